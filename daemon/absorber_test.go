// The MIT License (MIT)
//
// Copyright (c) 2019 the dclang authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package daemon

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dclang/dclang/perf"
	"github.com/dclang/dclang/proto"
	"github.com/dclang/dclang/transport"
)

func startAbsorber(t *testing.T, cfg Configuration) (*Absorber, *NetworkService) {
	t.Helper()
	svc := newTestService(t, cfg)
	absorber := NewAbsorber(cfg, svc, new(perf.StatService))
	if err := absorber.Initialize(); err != nil {
		t.Fatalf("absorber Initialize: %v", err)
	}
	return absorber, svc
}

func TestAbsorberCompilesPreprocessedSource(t *testing.T) {
	cfg := testConfiguration(t)
	cfg.Absorber.Local = filepath.Join(t.TempDir(), "absorber.socket")
	absorber, svc := startAbsorber(t, cfg)
	defer absorber.Shutdown()

	source := []byte("int answer() { return 42; }\n")
	kind, payload := call(t, svc, cfg.Absorber.Local, proto.KindExecute, &proto.Execute{
		Args:     []string{"-O2"},
		Language: "cpp-output",
		Source:   source,
	})
	if kind != proto.KindResult {
		t.Fatalf("reply kind = %v, want Result", kind)
	}
	result := new(proto.Result)
	if err := proto.Unmarshal(payload, result); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code %d, stderr %s", result.ExitCode, result.Stderr)
	}
	want := append([]byte("OBJ:"), source...)
	if !bytes.Equal(result.Object, want) {
		t.Fatalf("object = %q, want %q", result.Object, want)
	}
}

func TestAbsorberAnswersPing(t *testing.T) {
	cfg := testConfiguration(t)
	cfg.Absorber.Local = filepath.Join(t.TempDir(), "absorber.socket")
	absorber, svc := startAbsorber(t, cfg)
	defer absorber.Shutdown()

	kind, _ := call(t, svc, cfg.Absorber.Local, proto.KindPing, nil)
	if kind != proto.KindPong {
		t.Fatalf("reply kind = %v, want Pong", kind)
	}
}

// One worker, queue depth one: a third concurrent request must be turned
// away with Overloaded instead of waiting.
func TestAbsorberOverload(t *testing.T) {
	cfg := testConfiguration(t)
	cfg.Absorber.Local = filepath.Join(t.TempDir(), "absorber.socket")
	cfg.Absorber.Threads = 1
	cfg.Absorber.QueueFactor = 1
	absorber, svc := startAbsorber(t, cfg)
	defer absorber.Shutdown()

	slow := []byte("int SLOW_0() { return 0; }\n")
	kinds := make(chan proto.Kind, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind, _ := call(t, svc, cfg.Absorber.Local, proto.KindExecute, &proto.Execute{
				Language: "cpp-output",
				Source:   slow,
			})
			kinds <- kind
		}()
		// Let the earlier requests claim the worker and the queue slot.
		time.Sleep(200 * time.Millisecond)
	}
	wg.Wait()
	close(kinds)

	var results, overloaded int
	for kind := range kinds {
		switch kind {
		case proto.KindResult:
			results++
		case proto.KindOverloaded:
			overloaded++
		default:
			t.Fatalf("unexpected reply kind %v", kind)
		}
	}
	if results != 2 || overloaded != 1 {
		t.Fatalf("results=%d overloaded=%d, want 2/1", results, overloaded)
	}
}

// Shutdown lets the in-flight compile finish and rejects what is queued.
func TestAbsorberGracefulShutdown(t *testing.T) {
	cfg := testConfiguration(t)
	cfg.Absorber.Local = filepath.Join(t.TempDir(), "absorber.socket")
	cfg.Absorber.Threads = 1
	cfg.Absorber.QueueFactor = 2
	absorber, svc := startAbsorber(t, cfg)

	slow := []byte("int SLOW_1() { return 1; }\n")
	type reply struct {
		kind    proto.Kind
		payload []byte
	}
	replies := make(chan reply, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind, payload := call(t, svc, cfg.Absorber.Local, proto.KindExecute, &proto.Execute{
				Language: "cpp-output",
				Source:   slow,
			})
			replies <- reply{kind, payload}
		}()
		time.Sleep(200 * time.Millisecond)
	}

	// First request is in flight, second queued. Shut down now.
	done := make(chan struct{})
	go func() {
		absorber.Shutdown()
		close(done)
	}()

	wg.Wait()
	close(replies)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not complete")
	}

	var results, shutting int
	for r := range replies {
		switch r.kind {
		case proto.KindResult:
			results++
		case proto.KindStatus:
			status := new(proto.Status)
			if err := proto.Unmarshal(r.payload, status); err != nil {
				t.Fatalf("Unmarshal status: %v", err)
			}
			if status.Code != proto.StatusShutting {
				t.Fatalf("status code %d, want shutting", status.Code)
			}
			shutting++
		default:
			t.Fatalf("unexpected reply kind %v", r.kind)
		}
	}
	if results != 1 || shutting != 1 {
		t.Fatalf("results=%d shutting=%d, want 1/1", results, shutting)
	}
}

func TestAbsorberRejectsUnknownMessage(t *testing.T) {
	cfg := testConfiguration(t)
	cfg.Absorber.Local = filepath.Join(t.TempDir(), "absorber.socket")
	absorber, svc := startAbsorber(t, cfg)
	defer absorber.Shutdown()

	handler := transport.NewChannelHandler()
	conn, err := svc.Connect(cfg.Absorber.Local, handler)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close(nil)
	if err := conn.SendAsync([]byte{0x7e}); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	select {
	case err := <-handler.Done:
		if err == nil {
			t.Fatalf("connection closed without error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unknown message did not close the connection")
	}
}
