package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"exman/internal/ipc"
)

// ErrNoShell is returned for probes while no hosting shell is
// attached. Service loops treat it like any other failed probe and
// retry on the next tick.
var ErrNoShell = errors.New("no hosting shell attached")

// ShellBridge implements service.Scripter over a connection the
// hosting shell keeps open to the daemon. Probe scripts are written
// as EvalRequest frames; the shell executes them inside the addressed
// web view and answers with EvalResult frames.
type ShellBridge struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	pending map[int64]chan ipc.EvalResult
	nextID  atomic.Int64
}

func NewShellBridge() *ShellBridge {
	return &ShellBridge{pending: make(map[int64]chan ipc.EvalResult)}
}

// Attach adopts a connection as the shell link, replacing any
// previous one, and services it until it drops.
func (b *ShellBridge) Attach(conn net.Conn) {
	b.mu.Lock()
	if b.conn != nil {
		log.Println("ShellBridge: replacing existing shell connection")
		b.conn.Close()
	}
	b.conn = conn
	b.enc = json.NewEncoder(conn)
	b.mu.Unlock()

	log.Println("ShellBridge: hosting shell attached")
	b.readLoop(conn)
}

func (b *ShellBridge) readLoop(conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var res ipc.EvalResult
		if err := dec.Decode(&res); err != nil {
			break
		}
		b.mu.Lock()
		ch, ok := b.pending[res.ID]
		if ok {
			delete(b.pending, res.ID)
		}
		b.mu.Unlock()
		if ok {
			ch <- res
		}
	}
	b.detach(conn)
}

func (b *ShellBridge) detach(conn net.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.enc = nil
	}
	orphans := b.pending
	b.pending = make(map[int64]chan ipc.EvalResult)
	b.mu.Unlock()

	for id, ch := range orphans {
		ch <- ipc.EvalResult{ID: id, Error: ErrNoShell.Error()}
	}
	log.Println("ShellBridge: hosting shell detached")
}

// Eval sends one script to the shell and waits for its result.
func (b *ShellBridge) Eval(ctx context.Context, webContentsID int, script string) (interface{}, error) {
	id := b.nextID.Add(1)
	ch := make(chan ipc.EvalResult, 1)

	b.mu.Lock()
	if b.enc == nil {
		b.mu.Unlock()
		return nil, ErrNoShell
	}
	b.pending[id] = ch
	err := b.enc.Encode(ipc.EvalRequest{ID: id, WebContentsID: webContentsID, Script: script})
	b.mu.Unlock()

	if err != nil {
		b.forget(id)
		return nil, fmt.Errorf("failed to send eval request: %w", err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, fmt.Errorf("eval failed: %s", res.Error)
		}
		return res.Value, nil
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		b.forget(id)
		return nil, errors.New("eval timed out")
	}
}

func (b *ShellBridge) forget(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
