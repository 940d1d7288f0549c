// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipc_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/ramalloc/pkg/ipc"
	"github.com/containers/ramalloc/pkg/port"
)

const (
	testPoll = 5 * time.Millisecond
)

func newPorts(capacity int) (*port.Buffered, *port.Buffered) {
	return port.NewBuffered(1, capacity), port.NewBuffered(2, capacity)
}

func echoHandler(_ context.Context, msg *ipc.Message) (any, error) {
	switch p := msg.Payload.(type) {
	case *echo:
		return &echo{Text: "re: " + p.Text}, nil
	case *fail:
		return nil, errors.New("failed on purpose")
	case *crash:
		panic("crashed on purpose")
	}
	return nil, fmt.Errorf("unhandled %s", msg.Type)
}

func startServer(t *testing.T, requests, responses port.Port) (*ipc.Server, context.CancelFunc) {
	srv := ipc.NewServer("test-server", requests, responses, ipc.HandlerFunc(echoHandler),
		ipc.WithServerPollPeriod(testPoll))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assertNoError(t, srv.Serve(ctx))
	}()

	require.Eventually(t, srv.Running, time.Second, time.Millisecond)

	return srv, func() {
		cancel()
		<-done
	}
}

func TestTrySendMessage(t *testing.T) {
	requests, responses := newPorts(1)
	c := ipc.NewClient(1, requests, responses)

	require.True(t, c.TrySendMessage(&echo{Text: "first"}))
	require.False(t, c.TrySendMessage(&echo{Text: "second"}), "port full")

	msg := requests.Read().(*ipc.Message)
	require.Equal(t, ipc.MessageType("echo"), msg.Type)
	require.False(t, msg.WantsResponse())
}

func TestSendMessageWaitsForRoom(t *testing.T) {
	requests, responses := newPorts(1)
	c := ipc.NewClient(1, requests, responses, ipc.WithPollPeriod(testPoll))

	require.True(t, c.TrySendMessage(&echo{Text: "blocker"}))

	go func() {
		time.Sleep(10 * testPoll)
		requests.Read()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.SendMessage(ctx, &echo{Text: "patient"}))

	msg := requests.Read().(*ipc.Message)
	require.Equal(t, "patient", msg.Payload.(*echo).Text)
}

func TestSendMessageCancelled(t *testing.T) {
	requests, responses := newPorts(1)
	c := ipc.NewClient(1, requests, responses, ipc.WithPollPeriod(testPoll))

	require.True(t, c.TrySendMessage(&echo{Text: "blocker"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*testPoll)
	defer cancel()
	require.ErrorIs(t, c.SendMessage(ctx, &echo{Text: "impatient"}), context.DeadlineExceeded)
}

// countingPort counts write attempts.
type countingPort struct {
	*port.Buffered
	writes atomic.Int32
}

func (p *countingPort) TryWrite(msg any) bool {
	p.writes.Add(1)
	return p.Buffered.TryWrite(msg)
}

func TestRetriesWaitForPollPeriod(t *testing.T) {
	const poll = time.Second

	t.Run("send", func(t *testing.T) {
		requests, responses := newPorts(1)
		counted := &countingPort{Buffered: requests}
		c := ipc.NewClient(1, counted, responses, ipc.WithPollPeriod(poll))
		require.True(t, requests.TryWrite("blocker"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.Error(t, c.SendMessage(ctx, &echo{Text: "late"}))
		require.Equal(t, int32(1), counted.writes.Load(), "no retry before a poll period")
	})

	t.Run("respond", func(t *testing.T) {
		requests, responses := newPorts(1)
		counted := &countingPort{Buffered: responses}
		srv := ipc.NewServer("test-server", requests, counted, ipc.HandlerFunc(echoHandler),
			ipc.WithServerPollPeriod(poll), ipc.WithRespondTimeout(10*time.Millisecond))
		require.True(t, responses.TryWrite("blocker"))

		require.False(t, srv.Respond(context.Background(), "a", nil))
		require.Equal(t, int32(2), counted.writes.Load(), "no retry before a poll period")
	})
}

func TestRequestResponse(t *testing.T) {
	requests, responses := newPorts(10)
	_, stop := startServer(t, requests, responses)
	defer stop()

	c := ipc.NewClient(1, requests, responses, ipc.WithPollPeriod(testPoll))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rpl, err := c.SendMessageReceiveResponse(ctx, &echo{Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, &echo{Text: "re: hello"}, rpl)
	require.True(t, responses.IsEmpty())
}

func TestConcurrentRequestResponse(t *testing.T) {
	const (
		clients  = 16
		requests = 20
	)

	reqPort, rplPort := newPorts(8)
	_, stop := startServer(t, reqPort, rplPort)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wg := sync.WaitGroup{}
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			c := ipc.NewClient(pid, reqPort, rplPort, ipc.WithPollPeriod(testPoll))
			for r := 0; r < requests; r++ {
				text := fmt.Sprintf("%d/%d", pid, r)
				rpl, err := c.SendMessageReceiveResponse(ctx, &echo{Text: text})
				if !assertNoError(t, err) {
					return
				}
				if rpl.(*echo).Text != "re: "+text {
					t.Errorf("client %d got reply %q for %q", pid, rpl.(*echo).Text, text)
				}
			}
		}(i + 1)
	}
	wg.Wait()
}

func assertNoError(t *testing.T, err error) bool {
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}

func TestResponsesInReverseOrder(t *testing.T) {
	requests, responses := newPorts(10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan string, 2)
	for _, text := range []string{"a", "b"} {
		c := ipc.NewClient(1, requests, responses, ipc.WithPollPeriod(testPoll))
		go func(text string) {
			rpl, err := c.SendMessageReceiveResponse(ctx, &echo{Text: text})
			if err != nil {
				results <- err.Error()
				return
			}
			results <- text + "=" + rpl.(*echo).Text
		}(text)
	}

	require.Eventually(t, func() bool { return requests.Len() == 2 }, time.Second, time.Millisecond)

	first := requests.Read().(*ipc.Message)
	second := requests.Read().(*ipc.Message)
	for _, msg := range []*ipc.Message{second, first} {
		rpl := &ipc.Response{
			RequestID: msg.RequestID,
			Payload:   &echo{Text: msg.Payload.(*echo).Text + "!"},
		}
		require.True(t, responses.TryWrite(rpl))
	}

	got := []string{<-results, <-results}
	require.ElementsMatch(t, []string{"a=a!", "b=b!"}, got)
	require.True(t, responses.IsEmpty())
}

func TestServerIsolatesFailures(t *testing.T) {
	requests, responses := newPorts(20)
	srv, stop := startServer(t, requests, responses)
	defer stop()

	c := ipc.NewClient(1, requests, responses, ipc.WithPollPeriod(testPoll))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, requests.TryWrite("garbage"))
	require.True(t, requests.TryWrite(&ipc.Message{Type: "echo", RequestID: "x-1", Payload: &fail{}}))

	rpl, err := c.SendMessageReceiveResponse(ctx, &fail{})
	require.NoError(t, err)
	require.Nil(t, rpl)

	rpl, err = c.SendMessageReceiveResponse(ctx, &crash{})
	require.NoError(t, err)
	require.Nil(t, rpl)

	rpl, err = c.SendMessageReceiveResponse(ctx, &echo{Text: "still there?"})
	require.NoError(t, err)
	require.Equal(t, &echo{Text: "re: still there?"}, rpl)

	handled, failed := srv.Handled()
	require.Equal(t, uint64(5), handled)
	require.Equal(t, uint64(4), failed)

	mismatched, ok := responses.Take(func(msg any) bool {
		return msg.(*ipc.Response).RequestID == "x-1"
	})
	require.True(t, ok)
	require.Nil(t, mismatched.(*ipc.Response).Payload)
}

func TestServerRunsOnce(t *testing.T) {
	requests, responses := newPorts(1)
	srv, stop := startServer(t, requests, responses)

	require.ErrorIs(t, srv.Serve(context.Background()), ipc.ErrServerRunning)

	stop()
	require.False(t, srv.Running())
}

func TestRespondDropsWhenFull(t *testing.T) {
	requests, responses := newPorts(1)
	srv := ipc.NewServer("test-server", requests, responses, ipc.HandlerFunc(echoHandler),
		ipc.WithServerPollPeriod(testPoll), ipc.WithRespondTimeout(5*testPoll))

	require.True(t, srv.Respond(context.Background(), "a", nil))
	require.False(t, srv.Respond(context.Background(), "b", nil))
	require.Equal(t, "a", responses.Read().(*ipc.Response).RequestID)
}
