// Command polycall is a reference client/server for the session package:
// a flag-driven listen/dial driver over a negotiated Session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obinexus/libpolycall/audit"
	"github.com/obinexus/libpolycall/identity"
	"github.com/obinexus/libpolycall/policy"
	"github.com/obinexus/libpolycall/session"
	"github.com/obinexus/libpolycall/stream"
	"github.com/obinexus/libpolycall/token"
)

func main() {
	modeFlag := flag.String("mode", "listen", "listen or dial")
	schemeFlag := flag.String("scheme", "tcp", "transport scheme (tcp, tls, inmem)")
	addrFlag := flag.String("addr", "127.0.0.1:9443", "address to listen on or dial")
	identityFlag := flag.String("identity", "", "identity to log in as after connecting (dial mode only)")
	secretFlag := flag.String("secret", "", "credential secret for -identity")
	allowFlag := flag.String("allow", "", "comma-separated identities granted stream access (listen mode only)")

	flag.Usage = printUsage
	flag.Parse()

	switch *modeFlag {
	case "listen":
		runListen(*schemeFlag, *addrFlag, *allowFlag)
	case "dial":
		runDial(*schemeFlag, *addrFlag, *identityFlag, *secretFlag)
	default:
		log.Fatalf("unknown -mode %q, want listen or dial", *modeFlag)
	}
}

// runListen stands up the full zero-trust stack around the listener: any
// identity named in allow gets the writer role, everything else is
// default-denied by the policy engine.
func runListen(scheme, addr, allow string) {
	sink := audit.NewRing(1024)
	idents := identity.NewRegistry()
	eng := policy.New(sink, true)
	eng.AddPolicy(policy.Policy{Name: "stream-write", Statements: []policy.Statement{
		{Effect: policy.Allow, Actions: []string{session.StreamAction}, Resources: []string{"session:*"}},
	}})
	eng.AttachPolicy("writer", "stream-write")
	for _, id := range strings.Split(allow, ",") {
		if id = strings.TrimSpace(id); id != "" {
			if err := idents.AssignRole(id, "writer"); err != nil {
				log.Fatalf("assign role: %v", err)
			}
		}
	}

	tokens, err := token.New(token.DefaultConfig([]byte(uuid.NewString())), sink)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	ln, err := session.Listen(scheme, addr,
		session.WithTokenService(tokens),
		session.WithIdentityRegistry(idents),
		session.WithPolicyEngine(eng),
		session.WithAuditSink(sink),
	)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	fmt.Printf("listening on %s://%s\n", scheme, addr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	for {
		s, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("accept: %v", err)
			continue
		}
		go echoSession(s)
	}
}

func echoSession(s *session.Session) {
	defer s.Close()
	fmt.Printf("session %d active, negotiated=%+v\n", s.ID(), s.Negotiated())
	buf := make([]byte, 4096)
	for {
		if !s.Stream().Poll(30 * time.Second) {
			continue
		}
		n, err := s.Stream().Receive(buf, len(buf))
		if err != nil {
			return
		}
		if n > 0 {
			fmt.Printf("session %d recv: %s\n", s.ID(), buf[:n])
		}
	}
}

func runDial(scheme, addr, identity, secret string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s, err := session.Dial(ctx, scheme, addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer s.Close()
	fmt.Printf("connected, negotiated=%+v\n", s.Negotiated())

	if identity != "" {
		loginCtx, loginCancel := context.WithTimeout(ctx, 5*time.Second)
		defer loginCancel()
		if _, err := s.Login(loginCtx, identity, secret); err != nil {
			log.Fatalf("login: %v", err)
		}
		fmt.Printf("logged in as %s\n", identity)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type a line and press enter to send; ctrl-c to quit")
	for scanner.Scan() {
		if err := s.Send(scanner.Bytes(), stream.Flags{}); err != nil {
			log.Printf("send: %v", err)
		}
	}
}

func printUsage() {
	fmt.Println("polycall - LibPolyCall reference session client/server")
	fmt.Println("Usage:")
	fmt.Println("  polycall -mode listen -scheme tcp -addr 127.0.0.1:9443 -allow alice")
	fmt.Println("  polycall -mode dial -scheme tcp -addr 127.0.0.1:9443 -identity alice -secret s3cret")
}
