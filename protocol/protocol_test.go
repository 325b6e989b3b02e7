package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/obinexus/libpolycall/message"
	"github.com/obinexus/libpolycall/transport"
)

func pairedContexts(t *testing.T) (*Context, *Context, func()) {
	t.Helper()
	addr := "protocol-" + t.Name()
	ln, err := transport.Listen("inmem", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	acceptCh := make(chan transport.Transport, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			acceptCh <- conn
		}
	}()
	client, err := transport.Dial(ctx, "inmem", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh

	codec, _ := message.Lookup("json")
	return New(client, codec), New(server, codec), func() { cancel(); ln.Close() }
}

func TestDispatchHappyPath(t *testing.T) {
	client, server, cleanup := pairedContexts(t)
	defer cleanup()

	server.RegisterHandler(message.KindRequest, func(ctx context.Context, req *message.Message) (*message.Message, error) {
		return &message.Message{Kind: message.KindResponse, Payload: []byte("echo:" + string(req.Payload))}, nil
	})

	done := make(chan error, 1)
	go func() { done <- server.ReceiveOne(context.Background()) }()

	ctx := context.Background()
	if err := client.Send(ctx, &message.Message{Kind: message.KindRequest, Payload: []byte("hi")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server dispatch: %v", err)
	}

	reply, _, err := transport.NewFrameReader(client.t).ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	resp, err := codecDecode(t, reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if string(resp.Payload) != "echo:hi" {
		t.Fatalf("unexpected payload: %s", resp.Payload)
	}
}

func TestMiddlewareDenyBlocksDispatch(t *testing.T) {
	client, server, cleanup := pairedContexts(t)
	defer cleanup()

	called := false
	server.RegisterHandler(message.KindRequest, func(ctx context.Context, req *message.Message) (*message.Message, error) {
		called = true
		return nil, nil
	})
	server.Use(func(ctx context.Context, m *message.Message) (Decision, error) {
		return Deny, nil
	})

	done := make(chan error, 1)
	go func() { done <- server.ReceiveOne(context.Background()) }()

	ctx := context.Background()
	_ = client.Send(ctx, &message.Message{Kind: message.KindRequest, CorrelationID: 5})
	if err := <-done; err != nil {
		t.Fatalf("server dispatch: %v", err)
	}
	if called {
		t.Fatal("handler must not run when middleware denies")
	}

	reply, _, err := transport.NewFrameReader(client.t).ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	resp, err := codecDecode(t, reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if resp.Kind != message.KindError || resp.CorrelationID != 5 {
		t.Fatalf("unexpected deny response: %+v", resp)
	}
}

func TestRequestWaitsForMatchingResponse(t *testing.T) {
	client, server, cleanup := pairedContexts(t)
	defer cleanup()

	server.RegisterHandler(message.KindRequest, func(ctx context.Context, req *message.Message) (*message.Message, error) {
		return &message.Message{Kind: message.KindResponse, Payload: []byte("pong")}, nil
	})
	go func() { _ = server.ReceiveOne(context.Background()) }()
	go func() { _ = client.ReceiveOne(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, &message.Message{Kind: message.KindRequest, Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp.Payload) != "pong" {
		t.Fatalf("unexpected response payload: %s", resp.Payload)
	}
}

func TestCancelUnblocksInflightHandler(t *testing.T) {
	client, server, cleanup := pairedContexts(t)
	defer cleanup()

	handlerDone := make(chan error, 1)
	server.RegisterHandler(message.KindRequest, func(ctx context.Context, req *message.Message) (*message.Message, error) {
		select {
		case <-ctx.Done():
			handlerDone <- ctx.Err()
		case <-time.After(2 * time.Second):
			handlerDone <- nil
		}
		return &message.Message{Kind: message.KindResponse}, nil
	})

	reqDone := make(chan error, 1)
	go func() { reqDone <- server.ReceiveOne(context.Background()) }()

	ctx := context.Background()
	if err := client.Send(ctx, &message.Message{Kind: message.KindRequest, CorrelationID: 7}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	// Give the server a moment to register the in-flight handler context
	// before the cancel races it.
	time.Sleep(20 * time.Millisecond)

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- server.ReceiveOne(context.Background()) }()
	if err := client.Send(ctx, &message.Message{Kind: message.KindCancel, CorrelationID: 7}); err != nil {
		t.Fatalf("send cancel: %v", err)
	}
	if err := <-cancelDone; err != nil {
		t.Fatalf("server cancel dispatch: %v", err)
	}

	select {
	case err := <-handlerDone:
		if err == nil {
			t.Fatal("expected handler context to be cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not unblocked by cancel")
	}
	if err := <-reqDone; err != nil {
		t.Fatalf("server request dispatch: %v", err)
	}
}

func TestFragmentedSendReassembles(t *testing.T) {
	client, server, cleanup := pairedContexts(t)
	defer cleanup()

	// Fragment size far below the payload so the message must split.
	client.EnableFragmentation(64)
	server.EnableFragmentation(64)

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	got := make(chan []byte, 1)
	server.RegisterHandler(message.KindNotify, func(ctx context.Context, req *message.Message) (*message.Message, error) {
		got <- req.Payload
		return nil, nil
	})

	done := make(chan error, 1)
	go func() { done <- server.ReceiveOne(context.Background()) }()

	if err := client.Send(context.Background(), &message.Message{Kind: message.KindNotify, Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server dispatch: %v", err)
	}

	select {
	case p := <-got:
		if string(p) != string(payload) {
			t.Fatal("reassembled payload does not match original")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never received the reassembled message")
	}
}

func TestFragmentedSendRejectsOversizeIndexSpace(t *testing.T) {
	client, _, cleanup := pairedContexts(t)
	defer cleanup()

	client.EnableFragmentation(1)
	err := client.Send(context.Background(), &message.Message{Kind: message.KindNotify, Payload: make([]byte, 4096)})
	if err == nil {
		t.Fatal("expected a message beyond the fragment index space to be rejected")
	}
}

func codecDecode(t *testing.T, b []byte) (*message.Message, error) {
	t.Helper()
	c, ok := message.Lookup("json")
	if !ok {
		t.Fatal("json codec not registered")
	}
	return c.Decode(b)
}
