package client

import (
	"context"
	"fmt"
	"time"

	"github.com/mxgateway/mxgateway/internal/backend"
	"github.com/mxgateway/mxgateway/internal/classify"
	"github.com/mxgateway/mxgateway/internal/metrics"
	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/router"
	"github.com/mxgateway/mxgateway/internal/session"
	"github.com/mxgateway/mxgateway/internal/users"
	"github.com/mxgateway/mxgateway/internal/wire"
)

// dispatch handles one READY-state client command (spec.md §4.1
// "Reading loop" / command table).
func (c *Conn) dispatch(cmd byte, body []byte) error {
	switch cmd {
	case wire.ComQuit:
		return errQuit
	case wire.ComPing:
		return c.w.WritePacket(wire.OKPacket(0, 0, wire.StatusAutocommit, c.sess.Capabilities.Client, "", nil))
	case wire.ComInitDB:
		return c.handleInitDB(string(body))
	case wire.ComChangeUser:
		return c.handleChangeUser(body)
	case wire.ComStmtClose:
		return c.handleStmtClose(body)
	case wire.ComProcessKill:
		return c.handleKill(body)
	case wire.ComQuery:
		return c.handleQuery(body)
	case wire.ComStmtPrepare:
		return c.handleStmtPrepare(body)
	case wire.ComStmtExecute:
		return c.handleStmtExecute(body)
	case wire.ComStmtSendLong, wire.ComStmtReset, wire.ComStmtFetch,
		wire.ComFieldList, wire.ComStatistics, wire.ComProcessInfo, wire.ComBinlogDump, wire.ComRegisterSlave,
		wire.ComSetOption, wire.ComRefresh:
		return c.forwardRaw(cmd, body)
	default:
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrUnknownCom, "08S01", "Unknown command", c.sess.Capabilities.Client))
	}
}

// handleInitDB implements COM_INIT_DB: re-check DB access against the
// cached matching algorithm, speculatively remember the target, then
// forward the actual COM_INIT_DB to every backend this session already
// holds open so they switch schema too. session.CurrentDB is committed
// only once every already-open backend confirms with OK; any backend
// that errors is treated the same as a local access-check failure, and
// the speculative change is not recorded to history (spec.md §4.1
// "INIT_DB": "speculatively remember the target; commit to
// session.current_db only on OK from backends").
func (c *Conn) handleInitDB(db string) error {
	result := c.deps.Cache.FindUser(c.sess.Username, c.sess.ClientAddr, c.sess.ClientHost, db, c.cfg.Settings)
	if result.Outcome != users.OutcomeOK {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrBadDB, "42000", fmt.Sprintf("Unknown database '%s'", db), c.sess.Capabilities.Client))
	}

	packet := append([]byte{wire.ComInitDB}, []byte(db)...)
	for name, ep := range c.endpoints {
		if err := ep.RouteQuery(packet); err != nil {
			return c.w.WritePacket(wire.ErrorPacket(wire.ErrConnKilledByGateway, "HY000", err.Error(), c.sess.Capabilities.Client))
		}
		raw, _, err := ep.ReadRawReply()
		if err != nil {
			return c.HandleError(router.Transient, err.Error(), name, router.ReplyMeta{})
		}
		if len(raw) > 4 && raw[4] == wire.ErrHeader {
			return c.ClientReply(raw, nil, router.ReplyMeta{})
		}
	}

	c.sess.CurrentDB = result.NormalizedDB
	c.recordHistory(packet, false, false)
	return c.w.WritePacket(wire.OKPacket(0, 0, wire.StatusAutocommit, c.sess.Capabilities.Client, "", nil))
}

// handleChangeUser implements COM_CHANGE_USER: re-authenticate over the
// existing connections and clear session history on success (spec.md
// §4.1 "CHANGING_USER", §8 invariant 5). Failure must leave the prior
// identity in place, exactly as conn.go's authenticate() leaves a fresh
// connection closed on failure rather than half-switched.
func (c *Conn) handleChangeUser(body []byte) error {
	username, authResponse, database, err := parseChangeUser(body, c.sess.Capabilities.Client)
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrHandshake, "08S01", "Bad COM_CHANGE_USER packet", c.sess.Capabilities.Client))
	}
	result := c.deps.Cache.FindUser(username, c.sess.ClientAddr, c.sess.ClientHost, database, c.cfg.Settings)
	if result.Outcome != users.OutcomeOK {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrAccessDenied, "28000", "Access denied", c.sess.Capabilities.Client))
	}
	if !c.cfg.Passthrough {
		if !wire.CheckNativePassword(c.scramble, authResponse, result.Entry.PasswordHash) {
			return c.w.WritePacket(wire.ErrorPacket(wire.ErrAccessDenied, "28000",
				fmt.Sprintf("Access denied for user '%s'@'%s' (using password: YES)", username, c.sess.ClientAddr), c.sess.Capabilities.Client))
		}
	}
	c.sess.Username = username
	c.sess.AuthEntry = result.Entry
	c.sess.CurrentDB = result.NormalizedDB
	c.sess.History.Clear()
	c.releaseAll(false)
	return c.w.WritePacket(wire.OKPacket(0, 0, wire.StatusAutocommit, c.sess.Capabilities.Client, "", nil))
}

// handleStmtClose implements COM_STMT_CLOSE: drop the local prepared
// statement bookkeeping and its history entry (spec.md §8 invariant 4),
// then forward the close, translated to the backend's own statement id,
// to the single target it was prepared on.
func (c *Conn) handleStmtClose(body []byte) error {
	if len(body) < 4 {
		return nil
	}
	proxyID := leU32(body)
	targetName, backendID, bound := c.sess.StmtBinding(proxyID)
	c.sess.CloseStmt(proxyID)
	c.sess.History.RemoveStmtPrepare(proxyID)
	if !bound {
		return nil
	}
	if ep, ok := c.endpoints[targetName]; ok {
		ep.RouteQuery(append([]byte{wire.ComStmtClose}, encodeU32(backendID)...))
	}
	return nil
}

// handleKill implements COM_PROCESS_KILL: body's first 4 bytes name the
// target connection id, which is usually a different session than the
// one issuing the KILL (spec.md §4.3 "KILL handling", scenario S6). The
// target is resolved through the process-wide session registry and
// killed on every backend it currently holds open, rewriting to each
// backend's own connection id.
func (c *Conn) handleKill(body []byte) error {
	if len(body) < 4 {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrUnknownCom, "HY000", "malformed COM_PROCESS_KILL", c.sess.Capabilities.Client))
	}
	targetID := leU32(body)

	var target router.KilledSession
	if targetID == c.sess.ID {
		target = c
	} else if other, ok := lookupSession(targetID); ok {
		target = other
	} else {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrNoSuchThread, "HY000",
			fmt.Sprintf("Unknown thread id: %d", targetID), c.sess.Capabilities.Client))
	}

	metrics.KillsTotal.WithLabelValues("false").Inc()
	router.Kill(context.Background(), target, c.auxCredentials(), false)
	return c.w.WritePacket(wire.OKPacket(0, 0, wire.StatusAutocommit, c.sess.Capabilities.Client, "", nil))
}

func (c *Conn) auxCredentials() backend.Credentials {
	return backend.Credentials{
		Username:     c.sess.Username,
		PasswordHash: c.sess.AuthEntry.PasswordHash,
		Database:     c.sess.CurrentDB,
	}
}

// handleStmtPrepare implements COM_STMT_PREPARE. A prepared statement is
// pinned to the single target it was first prepared on, matching how a
// real connector binds a prepared handle to one physical connection; a
// later STMT_EXECUTE/STMT_CLOSE routes there regardless of what the
// read/write split would otherwise pick. The backend assigns its own
// statement id, but the client is handed a proxy-assigned one instead:
// session command history replays COM_STMT_PREPARE on every fresh
// backend connection, and each replay gets its own, generally different,
// backend id (spec.md §8 invariant 4), so only a stable proxy-side id
// can survive a reconnect.
func (c *Conn) handleStmtPrepare(sql []byte) error {
	result, _ := c.deps.Classifier.Classify(string(sql))
	target, err := c.pickTarget(result)
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrBadDB, "HY000", err.Error(), c.sess.Capabilities.Client))
	}
	ep, err := c.endpointFor(target)
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrAccessDenied, "08S01", err.Error(), c.sess.Capabilities.Client))
	}
	if err := ep.RouteQuery(append([]byte{wire.ComStmtPrepare}, sql...)); err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrConnKilledByGateway, "HY000", err.Error(), c.sess.Capabilities.Client))
	}
	raw, _, err := ep.ReadRawReply()
	if err != nil {
		return c.HandleError(router.Transient, err.Error(), target.Name, router.ReplyMeta{})
	}
	if len(raw) >= 13 && raw[4] == wire.OKHeader {
		backendID := leU32(raw[5:9])
		paramCount := int(raw[11]) | int(raw[12])<<8
		proxyID := c.sess.History.NextID()
		c.sess.PrepareStmt(proxyID, target.Name, backendID, paramCount)
		c.sess.History.Add(session.HistoryEntry{
			ID:            proxyID,
			Packet:        append([]byte{wire.ComStmtPrepare}, sql...),
			IsStmtPrepare: true,
			ExpectedOK:    true,
			OriginalErr:      false,
			OriginalRecorded: true,
		})
		raw = rewriteStmtID(raw, proxyID)
	}
	return c.ClientReply(raw, nil, router.ReplyMeta{})
}

// rewriteStmtID returns a copy of a framed COM_STMT_PREPARE OK reply with
// its statement id field (the four bytes after the frame header and the OK
// byte) replaced by id, so the client only ever sees the proxy-assigned
// handle.
func rewriteStmtID(raw []byte, id uint32) []byte {
	out := append([]byte(nil), raw...)
	copy(out[5:9], encodeU32(id))
	return out
}

// handleStmtExecute implements COM_STMT_EXECUTE: translate the client's
// proxy-visible statement id to the backend id it is bound to, record
// the parameter type block in the session's prepared-statement metadata
// when the client has bound new parameter types, then forward to the
// statement's pinned target (spec.md §4.1 "STMT_EXECUTE", §8 invariant 4).
func (c *Conn) handleStmtExecute(body []byte) error {
	if len(body) < 4 {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrUnknownCom, "HY000", "malformed COM_STMT_EXECUTE", c.sess.Capabilities.Client))
	}
	proxyID := leU32(body)
	targetName, _, bound := c.sess.StmtBinding(proxyID)
	if !bound {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrUnknownCom, "HY000", "Unknown prepared statement handle", c.sess.Capabilities.Client))
	}
	if types, ok := parseStmtExecuteParamTypes(body, c.sess.StmtParamCount(proxyID)); ok {
		c.sess.SetStmtParamTypes(proxyID, types)
	}

	// endpointFor may open a fresh backend connection and replay session
	// history, which re-prepares this statement under a new backend id;
	// re-read the binding only after that has settled.
	ep, err := c.endpointFor(readwrite.Candidate{Name: targetName})
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrAccessDenied, "08S01", err.Error(), c.sess.Capabilities.Client))
	}
	_, backendID, _ := c.sess.StmtBinding(proxyID)
	patched := append([]byte(nil), body...)
	copy(patched[0:4], encodeU32(backendID))
	if err := ep.RouteQuery(append([]byte{wire.ComStmtExecute}, patched...)); err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrConnKilledByGateway, "HY000", err.Error(), c.sess.Capabilities.Client))
	}
	return ep.ReadReply(nil, router.ReplyMeta{})
}

// parseStmtExecuteParamTypes extracts the two-byte-per-parameter type
// block from a COM_STMT_EXECUTE body (statement_id, flags,
// iteration_count, null-bitmap, new-params-bound flag, then the type
// block) when the new-params-bound flag is set. ok is false if body is
// too short for paramCount or the flag is unset, in which case the
// previously recorded types (if any) still apply.
func parseStmtExecuteParamTypes(body []byte, paramCount int) (types []byte, ok bool) {
	const header = 4 + 1 + 4 // statement_id + flags + iteration_count
	if paramCount <= 0 || len(body) < header {
		return nil, false
	}
	pos := header + (paramCount+7)/8
	if len(body) < pos+1 {
		return nil, false
	}
	newParamsBound := body[pos]
	pos++
	if newParamsBound != 1 {
		return nil, false
	}
	typesLen := paramCount * 2
	if len(body) < pos+typesLen {
		return nil, false
	}
	return body[pos : pos+typesLen], true
}

// handleQuery implements COM_QUERY: classify the SQL, pick a target with
// the read/write split, open or reuse its endpoint, forward, and relay
// the reply (spec.md §4.3, §4.4).
func (c *Conn) handleQuery(body []byte) error {
	sql := string(body)
	result, err := c.deps.Classifier.Classify(sql)
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(1064, "42000", "You have an error in your SQL syntax", c.sess.Capabilities.Client))
	}
	c.trackTransaction(result)

	target, err := c.pickTarget(result)
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrBadDB, "HY000", err.Error(), c.sess.Capabilities.Client))
	}

	ep, err := c.endpointFor(target)
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrAccessDenied, "08S01", err.Error(), c.sess.Capabilities.Client))
	}

	histID := c.recordHistory(append([]byte{wire.ComQuery}, body...), false, readwrite.ClassifyOperation(result) != readwrite.OpClassRead)
	if err := ep.RouteQuery(append([]byte{wire.ComQuery}, body...)); err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrConnKilledByGateway, "HY000", err.Error(), c.sess.Capabilities.Client))
	}
	return ep.ReadReply(nil, router.ReplyMeta{HistoryID: histID})
}

// forwardRaw sends any other command verbatim to the session's current
// target (its most recently used endpoint, or the master if none is
// open yet) and relays the reply.
func (c *Conn) forwardRaw(cmd byte, body []byte) error {
	target, err := c.pickTarget(classify.Result{Kind: classify.OpUnknown, ReadOnly: false})
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrBadDB, "HY000", err.Error(), c.sess.Capabilities.Client))
	}
	ep, err := c.endpointFor(target)
	if err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrAccessDenied, "08S01", err.Error(), c.sess.Capabilities.Client))
	}
	if err := ep.RouteQuery(append([]byte{cmd}, body...)); err != nil {
		return c.w.WritePacket(wire.ErrorPacket(wire.ErrConnKilledByGateway, "HY000", err.Error(), c.sess.Capabilities.Client))
	}
	return ep.ReadReply(nil, router.ReplyMeta{})
}

func (c *Conn) trackTransaction(r classify.Result) {
	switch r.Kind {
	case classify.OpBegin:
		c.sess.Transaction.Active = true
	case classify.OpCommit, classify.OpRollback:
		c.sess.Transaction.Active = false
		c.sess.Transaction.ReadOnly = false
	}
}

// pickTarget runs the read/write split (spec.md §4.4) to choose which
// configured target this operation goes to.
func (c *Conn) pickTarget(r classify.Result) (readwrite.Candidate, error) {
	candidates := c.deps.Targets.Candidates()
	if readwrite.ClassifyOperation(r) == readwrite.OpClassWrite || c.sess.Transaction.Active && !c.sess.Transaction.ReadOnly {
		return readwrite.RouteWrite(candidates)
	}
	return c.rw.RouteRead(candidates)
}

// endpointFor returns the session's endpoint for target, opening a new
// backend connection (replaying history) the first time this session
// touches it.
func (c *Conn) endpointFor(target readwrite.Candidate) (*router.ServerEndpoint, error) {
	if ep, ok := c.endpoints[target.Name]; ok {
		return ep, nil
	}
	t, ok := c.deps.Graph.Lookup(target.Name)
	if !ok {
		return nil, fmt.Errorf("target %q not configured", target.Name)
	}
	endpoint, err := t.GetConnection(c, c.sess.ID)
	if err != nil {
		return nil, err
	}
	se, ok := endpoint.(*router.ServerEndpoint)
	if !ok {
		return nil, fmt.Errorf("target %q: unexpected endpoint type", target.Name)
	}
	creds := backend.Credentials{
		Username:     c.sess.Username,
		PasswordHash: c.sess.AuthEntry.PasswordHash,
		Database:     c.sess.CurrentDB,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := se.Open(ctx, c.sess.Capabilities.Client, creds, c.sess); err != nil {
		return nil, err
	}
	c.endpoints[target.Name] = se
	return se, nil
}

// recordHistory appends a session command to history for replay on
// reconnect, returning its id (spec.md §4.4 "Session command replay").
func (c *Conn) recordHistory(packet []byte, isStmtPrepare, expectedOK bool) uint32 {
	id := c.sess.History.NextID()
	c.sess.History.Add(session.HistoryEntry{
		ID:            id,
		Packet:        packet,
		IsStmtPrepare: isStmtPrepare,
		ExpectedOK:    expectedOK,
	})
	return id
}

// RouteQuery is unused: nothing above Conn in this implementation sends
// queries down into it; it exists only to satisfy router.Component so
// Conn can be an endpoint's upstream.
func (c *Conn) RouteQuery(packet []byte) error { return nil }

// ClientReply forwards a backend's raw, already-framed reply straight to
// the client socket, stamping each frame's sequence byte from the outgoing
// counter already primed by readyLoop (spec.md §4.3 "byte-for-byte
// forwarding").
func (c *Conn) ClientReply(packet []byte, trace *router.ReplyTrace, meta router.ReplyMeta) error {
	out := append([]byte(nil), packet...)
	for pos := 0; pos+4 <= len(out); {
		n := int(out[pos]) | int(out[pos+1])<<8 | int(out[pos+2])<<16
		out[pos+3] = c.w.Sequence()
		c.w.SetSequence(c.w.Sequence() + 1)
		pos += 4 + n
	}
	_, err := c.conn.Write(out)
	return err
}

// HandleError turns a backend failure into a standard MariaDB error
// packet to the client (spec.md §7 "Failure model").
func (c *Conn) HandleError(kind router.ErrorKind, message, failingEndpoint string, meta router.ReplyMeta) error {
	delete(c.endpoints, failingEndpoint)
	return c.w.WritePacket(wire.ErrorPacket(wire.ErrConnKilledByGateway, "HY000",
		fmt.Sprintf("Lost connection to backend %s: %s", failingEndpoint, message), c.sess.Capabilities.Client))
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// parseChangeUser decodes a COM_CHANGE_USER body: a null-terminated
// username, an auth response (length-prefixed under
// CLIENT_SECURE_CONNECTION, null-terminated otherwise), and a
// null-terminated database name. The character set, auth plugin name,
// and connect attributes that may follow are not needed by the proxy.
func parseChangeUser(body []byte, capability uint32) (username string, authResponse []byte, database string, err error) {
	username, rest := splitCString(body)
	if capability&wire.CapSecureConnection != 0 {
		if len(rest) == 0 {
			return "", nil, "", fmt.Errorf("client: truncated COM_CHANGE_USER")
		}
		n := int(rest[0])
		if n+1 > len(rest) {
			return "", nil, "", fmt.Errorf("client: truncated COM_CHANGE_USER auth response")
		}
		authResponse = rest[1 : n+1]
		rest = rest[n+1:]
	} else {
		authResponse, rest = splitCBytes(rest)
	}
	database, _ = splitCString(rest)
	return username, authResponse, database, nil
}

// splitCBytes is splitCString without the string conversion, for the
// auth-response field, which is opaque scrambled bytes rather than text.
func splitCBytes(b []byte) ([]byte, []byte) {
	for i, c := range b {
		if c == 0 {
			return b[:i], b[i+1:]
		}
	}
	return b, nil
}

func splitCString(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}
