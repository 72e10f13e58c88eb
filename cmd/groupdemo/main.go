package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirimatin/go-group/pkg/bootstrap"
	"github.com/amirimatin/go-group/pkg/group"
)

// groupdemo boots a single-node group in-process, joins it as a member and
// prints every event the session receives. Useful to watch the join and
// election machinery without any external setup.
func main() {
	var (
		id       = flag.String("id", "demo-1", "node id")
		memBind  = flag.String("mem-bind", "127.0.0.1:7946", "membership bind host:port")
		mgmtAddr = flag.String("mgmt-addr", "127.0.0.1:17946", "management bind host:port")
	)
	flag.Parse()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID:    *id,
		MemBind:   *memBind,
		MgmtAddr:  *mgmtAddr,
		Bootstrap: true, // single-node demo
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer n.Close()

	// Wait for raft to settle, then open a session and join the group.
	time.Sleep(500 * time.Millisecond)
	session, err := n.OpenSession(ctx)
	if err != nil {
		log.Fatalf("open session: %v", err)
	}
	if _, err := n.Submit(ctx, session, &group.Listen{}); err != nil {
		log.Fatalf("listen: %v", err)
	}
	result, err := n.Submit(ctx, session, &group.Join{})
	if err != nil {
		log.Fatalf("join: %v", err)
	}
	var member uint64
	_ = json.Unmarshal(result, &member)
	fmt.Printf("joined group as member %d\n", member)

	go func() {
		for ctx.Err() == nil {
			for _, e := range n.DrainEvents(ctx, session, time.Second) {
				fmt.Printf("event: %-8s %s\n", e.Name, string(e.Payload))
			}
		}
	}()

	<-ctx.Done()
	_ = n.CloseSession(context.Background(), session)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
