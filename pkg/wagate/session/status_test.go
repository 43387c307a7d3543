package session

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/backend/backendtest"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from Status
		kind backend.EventKind
		want Status
	}{
		{StatusInitializing, backend.EventLoginCode, StatusCodeIssued},
		{StatusInitializing, backend.EventReady, StatusConnected},
		{StatusInitializing, backend.EventAuthenticated, StatusConnected},
		{StatusInitializing, backend.EventAuthFailure, StatusAuthFailure},
		{StatusInitializing, backend.EventDisconnected, StatusAuthFailure},
		{StatusCodeIssued, backend.EventLoginCode, StatusCodeIssued},
		{StatusCodeIssued, backend.EventReady, StatusConnected},
		{StatusCodeIssued, backend.EventAuthenticated, StatusConnected},
		{StatusCodeIssued, backend.EventAuthFailure, StatusAuthFailure},
		{StatusCodeIssued, backend.EventDisconnected, StatusAuthFailure},
		{StatusConnected, backend.EventLoginCode, StatusConnected},
		{StatusConnected, backend.EventReady, StatusConnected},
		{StatusConnected, backend.EventAuthenticated, StatusConnected},
		{StatusConnected, backend.EventAuthFailure, StatusDisconnected},
		{StatusConnected, backend.EventDisconnected, StatusDisconnected},
		{StatusAuthFailure, backend.EventReady, StatusAuthFailure},
		{StatusDisconnected, backend.EventLoginCode, StatusDisconnected},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%s", tt.from, tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, nextStatus(tt.from, tt.kind))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusAuthFailure.Terminal())
	assert.True(t, StatusDisconnected.Terminal())
	assert.False(t, StatusInitializing.Terminal())
	assert.False(t, StatusCodeIssued.Terminal())
	assert.False(t, StatusConnected.Terminal())
}

// allowed lists the status changes a session may ever make.
var allowed = map[Status][]Status{
	StatusInitializing: {StatusCodeIssued, StatusConnected, StatusAuthFailure},
	StatusCodeIssued:   {StatusConnected, StatusAuthFailure},
	StatusConnected:    {StatusDisconnected},
}

func TestApply_RandomSequences(t *testing.T) {
	kinds := []backend.EventKind{
		backend.EventLoginCode, backend.EventReady, backend.EventAuthenticated,
		backend.EventAuthFailure, backend.EventDisconnected,
	}
	rng := rand.New(rand.NewSource(42))
	seen := make(map[[2]Status]bool)

	for run := 0; run < 500; run++ {
		s := newSession("prop", backendtest.NewClient("prop"), testConfig(), testLogger(), nil)

		for step := 0; step < 12; step++ {
			ev := backend.Event{Kind: kinds[rng.Intn(len(kinds))]}
			if ev.Kind == backend.EventLoginCode {
				ev.Code = fmt.Sprintf("code-%d-%d", run, step)
			}
			terminal := s.apply(ev)

			snap := s.Snapshot()
			if snap.Status == StatusCodeIssued {
				require.NotEmpty(t, snap.LoginCode, "code_issued without a code")
				if ev.Kind == backend.EventLoginCode {
					require.Equal(t, ev.Code, snap.LoginCode, "newest code wins")
				}
			} else {
				require.Empty(t, snap.LoginCode, "code outside code_issued: %s", snap.Status)
			}
			require.Equal(t, snap.Status.Terminal(), terminal)
			if terminal {
				break
			}
		}

		history := s.History()
		require.Equal(t, StatusInitializing, history[0])
		for i := 1; i < len(history); i++ {
			require.Contains(t, allowed[history[i-1]], history[i], "history %v", history)
			seen[[2]Status{history[i-1], history[i]}] = true
		}
		s.cancel()
	}

	for from, tos := range allowed {
		for _, to := range tos {
			assert.True(t, seen[[2]Status{from, to}], "%s -> %s never exercised", from, to)
		}
	}
}

func TestApply_FailureBeforeAnyCode(t *testing.T) {
	for _, kind := range []backend.EventKind{backend.EventAuthFailure, backend.EventDisconnected} {
		t.Run(string(kind), func(t *testing.T) {
			s := newSession("early", backendtest.NewClient("early"), testConfig(), testLogger(), nil)
			defer s.cancel()

			assert.True(t, s.apply(backend.Event{Kind: kind}))
			assert.Equal(t, []Status{StatusInitializing, StatusAuthFailure}, s.History())
			assert.Empty(t, s.Snapshot().LoginCode)
		})
	}
}

func TestApply_EmptyLoginCodeIgnored(t *testing.T) {
	s := newSession("x", backendtest.NewClient("x"), testConfig(), testLogger(), nil)
	defer s.cancel()

	s.apply(backend.Event{Kind: backend.EventLoginCode, Code: "first"})
	s.apply(backend.Event{Kind: backend.EventLoginCode})

	assert.Equal(t, Snapshot{ID: "x", Status: StatusCodeIssued, LoginCode: "first"}, s.Snapshot())
}

func TestErrors(t *testing.T) {
	assert.Equal(t, `session "bob" is not connected (no such session)`,
		(&SessionNotConnectedError{ID: "bob"}).Error())
	assert.Equal(t, `session "bob" is not connected (code_issued)`,
		(&SessionNotConnectedError{ID: "bob", Status: StatusCodeIssued}).Error())

	te := &TimeoutError{Op: "start", ID: "bob", Limit: 0}
	assert.True(t, te.Timeout())
	assert.Contains(t, te.Error(), "start timed out")
}
