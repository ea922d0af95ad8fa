package router

import (
	"context"
	"fmt"

	"github.com/mxgateway/mxgateway/internal/backend"
)

// KilledSession is the narrow view a KILL operation needs of the
// session it targets: which servers it currently holds open
// connections to, and the backend thread id on each (spec.md §4.3
// "KILL handling").
type KilledSession interface {
	OpenEndpoints() []*ServerEndpoint
}

// Kill resolves target to the servers it has open connections on,
// opens a short-lived auxiliary client to each, issues a `KILL
// <thread_id>` rewritten to that backend's own connection id, and
// reports the first error encountered (if any). Pending, not-yet-open
// endpoints are simply dropped by the caller; Kill only acts on
// already-open ones.
func Kill(ctx context.Context, target KilledSession, auxCreds backend.Credentials, hard bool) error {
	var firstErr error
	for _, ep := range target.OpenEndpoints() {
		threadID := ep.ThreadID()
		if threadID == 0 {
			continue
		}
		if err := killOnServer(ctx, ep.server, threadID, auxCreds, hard); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func killOnServer(ctx context.Context, srv *Server, threadID uint32, auxCreds backend.Credentials, hard bool) error {
	aux, err := backend.Dial(ctx, srv.Addr, auxCreds, 0)
	if err != nil {
		return fmt.Errorf("kill: aux connect to %s: %w", srv.NameStr, err)
	}
	defer aux.Close()

	stmt := fmt.Sprintf("KILL %d", threadID)
	if hard {
		stmt = fmt.Sprintf("KILL HARD %d", threadID)
	}
	if err := aux.SendCommand(append([]byte{0x03}, stmt...)); err != nil {
		return fmt.Errorf("kill: send to %s: %w", srv.NameStr, err)
	}
	if _, _, err := aux.ReadReply(); err != nil {
		return fmt.Errorf("kill: reply from %s: %w", srv.NameStr, err)
	}
	return nil
}
