package router

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ircnet/extension"
	"ircnet/extension/banlist"
	"ircnet/irc"
	"ircnet/link"
	"ircnet/netdb"
)

const (
	hubName  = "hub.example.net"
	testWait = 3 * time.Second
)

// fakeTransport records written lines. stall holds writes back until the
// transport is closed.
type fakeTransport struct {
	mu      sync.Mutex
	written []string
	gate    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (f *fakeTransport) ReadLine() (string, error) {
	<-f.closed
	return "", io.EOF
}

func (f *fakeTransport) WriteLine(line string) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-f.closed:
			return io.ErrClosedPipe
		}
	}
	f.mu.Lock()
	f.written = append(f.written, line)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake" }

func (f *fakeTransport) stall() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeTransport) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func (f *fakeTransport) count(substr string) int {
	n := 0
	for _, line := range f.lines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

type recorder struct {
	mu           sync.Mutex
	delivered    map[string][]string
	disconnected map[string]string
}

func newRecorder() *recorder {
	return &recorder{delivered: make(map[string][]string), disconnected: make(map[string]string)}
}

func (rec *recorder) Deliver(uid string, m *irc.Message) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.delivered[uid] = append(rec.delivered[uid], m.String())
}

func (rec *recorder) Disconnect(uid, reason string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.disconnected[uid] = reason
}

func (rec *recorder) got(uid string) []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.delivered[uid]...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitLine(t *testing.T, tr *fakeTransport, want string) {
	t.Helper()
	waitFor(t, want, func() bool {
		for _, line := range tr.lines() {
			if line == want {
				return true
			}
		}
		return false
	})
}

var barriers int

// flush waits until everything queued on l so far has been written.
func flush(t *testing.T, l *link.Link, tr *fakeTransport) {
	t.Helper()
	barriers++
	line := "BARRIER " + strconv.Itoa(barriers)
	if err := l.SendLine(line); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	waitLine(t, tr, line)
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *recorder) {
	t.Helper()
	ext := extension.NewRegistry()
	if err := ext.Register(banlist.New()); err != nil {
		t.Fatalf("register: %v", err)
	}
	r := New(netdb.New(hubName, "Hub"), link.NewRegistry(), ext, cfg)
	rec := newRecorder()
	r.SetDeliverer(rec)
	return r, rec
}

// registerPeer runs the inbound handshake for name over a fake transport
// and brings the link up on r.
func registerPeer(t *testing.T, r *Router, name, caps string, opts link.Options) (*link.Link, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	l := link.New(tr, false, opts)
	go l.WritePump()
	t.Cleanup(func() { l.Close("test finished") })

	r.links.Add(l)
	h := link.NewHandshake(link.HandshakeConfig{
		LocalName:   hubName,
		Description: "Hub",
		Caps:        irc.ParseCaps("QS BMASK"),
		Lookup: func(n string) (link.Block, bool) {
			return link.Block{Name: n, SendPassword: "pw", AcceptHash: "pw"}, true
		},
		CheckPassword: func(hash, pw string) bool { return hash == pw },
		KnownServer:   r.DB().HasServer,
		Registry:      r.links,
	}, l, "")
	now := strconv.FormatInt(time.Now().Unix(), 10)
	for _, line := range []string{
		"PASS pw TS 6",
		"CAPAB :" + caps,
		"SERVER " + name + " 1 :" + name,
		"SVINFO 6 6 0 :" + now,
	} {
		m, err := irc.Parse(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if _, err := h.Step(m); err != nil {
			t.Fatalf("handshake %q: %v", line, err)
		}
	}
	if err := r.LinkUp(l); err != nil {
		t.Fatalf("link up %s: %v", name, err)
	}
	waitLine(t, tr, ":"+hubName+" PING "+hubName)
	return l, tr
}

func feed(t *testing.T, r *Router, l *link.Link, line string) error {
	t.Helper()
	m, err := irc.Parse(line)
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	return r.Dispatch(l, m)
}

func mustFeed(t *testing.T, r *Router, l *link.Link, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if err := feed(t, r, l, line); err != nil {
			t.Fatalf("dispatch %q: %v", line, err)
		}
	}
}

func mustLocal(t *testing.T, r *Router, lines ...string) {
	t.Helper()
	for _, line := range lines {
		m, err := irc.Parse(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if err := r.Local(m); err != nil {
			t.Fatalf("local %q: %v", line, err)
		}
	}
}

func uidLine(server, nick, uid string, ts int64) string {
	return fmt.Sprintf(":%s UID %s 1 %d +i %s %s.host %s :%s user", server, nick, ts, nick, nick, uid, nick)
}

func TestPeerBurstPopulatesDatabase(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, tr := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})

	mustFeed(t, r, leaf,
		uidLine("leaf.example.net", "alice", "uid-alice", 100),
		":leaf.example.net SJOIN 100 #chat + :@uid-alice",
		":leaf.example.net PING leaf.example.net",
	)

	u, ok := r.DB().UserByNick("alice")
	if !ok || u.UID != "uid-alice" || u.Server != "leaf.example.net" || u.TS != 100 {
		t.Fatalf("unexpected user %+v (found=%v)", u, ok)
	}
	if u.RealName != "alice user" {
		t.Fatalf("unexpected real name %q", u.RealName)
	}
	ch, ok := r.DB().Channel("#chat")
	if !ok || len(ch.Members) != 1 || ch.Members["uid-alice"] != netdb.FlagOp {
		t.Fatalf("unexpected channel %+v", ch)
	}
	waitLine(t, tr, ":hub.example.net PONG hub.example.net leaf.example.net")

	links := r.Links()
	if len(links) != 1 || !links[0].Synced || links[0].Peer != "leaf.example.net" {
		t.Fatalf("expected synced link, got %+v", links)
	}
}

func TestBurstToNewPeerDescribesNetwork(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	mustFeed(t, r, leaf,
		":leaf.example.net SERVER far.example.net 2 :Far away",
		uidLine("far.example.net", "alice", "uid-alice", 100),
	)

	_, tr := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	lines := tr.lines()
	var idx []int
	for _, want := range []string{
		":hub.example.net SERVER leaf.example.net 2 leaf.example.net",
		":leaf.example.net SERVER far.example.net 3 :Far away",
		":far.example.net UID alice 3 100 +i alice alice.host uid-alice :alice user",
		":hub.example.net PING hub.example.net",
	} {
		found := -1
		for i, line := range lines {
			if line == want {
				found = i
				break
			}
		}
		if found < 0 {
			t.Fatalf("burst is missing %q in %q", want, lines)
		}
		idx = append(idx, found)
	}
	for i := 1; i < len(idx); i++ {
		if idx[i] < idx[i-1] {
			t.Fatalf("burst out of order: %q", lines)
		}
	}
}

func TestServerMovedToAnotherUplinkIsRejected(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	mustFeed(t, r, leaf,
		":leaf.example.net SERVER far.example.net 2 :Far",
		":far.example.net SERVER deep.example.net 3 :Deep",
	)
	if err := feed(t, r, leaf, ":leaf.example.net SERVER deep.example.net 2 :Deep"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestHopCountIsComputedFromUplink(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "zed.example.net", "QS", link.Options{})
	// The peer understates the distance of a server that sorts before it.
	mustFeed(t, r, leaf, ":zed.example.net SERVER aaa.example.net 1 :Behind zed")

	s, ok := r.DB().Server("aaa.example.net")
	if !ok || s.Hops != 2 {
		t.Fatalf("expected aaa.example.net two hops away, got %+v", s)
	}

	_, tr := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	lines := tr.lines()
	uplink, child := -1, -1
	for i, line := range lines {
		switch line {
		case ":hub.example.net SERVER zed.example.net 2 zed.example.net":
			uplink = i
		case ":zed.example.net SERVER aaa.example.net 3 :Behind zed":
			child = i
		}
	}
	if uplink < 0 || child < 0 || child < uplink {
		t.Fatalf("expected zed.example.net before aaa.example.net, got %q", lines)
	}
}

func TestSjoinSkipsMembersFromAnotherLink(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, _ := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	mustFeed(t, r, side, uidLine("side.example.net", "carol", "uid-carol", 100))
	mustFeed(t, r, leaf,
		uidLine("leaf.example.net", "alice", "uid-alice", 100),
		":leaf.example.net SJOIN 100 #chat +nt :@uid-alice @uid-carol",
	)

	ch, _ := r.DB().Channel("#chat")
	if _, ok := ch.Members["uid-carol"]; ok || len(ch.Members) != 1 {
		t.Fatalf("only alice should have joined: %+v", ch.Members)
	}
}

func TestSplitHorizon(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, leafTr := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	flush(t, leaf, leafTr)
	before := len(leafTr.lines())

	mustFeed(t, r, leaf,
		uidLine("leaf.example.net", "alice", "uid-alice", 100),
		":uid-alice NICK alicia 120",
		":uid-alice JOIN 130 #chat +",
		":uid-alice TOPIC #chat :news",
	)
	flush(t, leaf, leafTr)
	flush(t, side, sideTr)

	for _, line := range leafTr.lines()[before:] {
		if !strings.HasPrefix(line, "BARRIER") {
			t.Fatalf("event echoed back to its source link: %q", line)
		}
	}
	for _, want := range []string{
		":leaf.example.net UID alice 2 100 +i alice alice.host uid-alice :alice user",
		":uid-alice NICK alicia 120",
		":uid-alice JOIN 130 #chat +",
		":uid-alice TOPIC #chat news",
	} {
		if sideTr.count(want) != 1 {
			t.Fatalf("expected %q once on the other link, got %q", want, sideTr.lines())
		}
	}
}

func TestBurstReplayIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})

	batch := []string{
		":leaf.example.net SERVER far.example.net 2 :Far",
		uidLine("leaf.example.net", "alice", "uid-alice", 100),
		uidLine("far.example.net", "bob", "uid-bob", 110),
		":leaf.example.net SJOIN 100 #chat +nt :@uid-alice uid-bob",
		":leaf.example.net TB #chat 90 alice :welcome",
	}
	mustFeed(t, r, leaf, batch...)
	mustFeed(t, r, leaf, batch...)
	flush(t, side, sideTr)

	if !r.Linked("leaf.example.net") {
		t.Fatalf("replay must not drop the link")
	}
	if n := r.DB().ServerCount(); n != 4 {
		t.Fatalf("expected 4 servers after replay, got %d", n)
	}
	if n := r.DB().UserCount(); n != 2 {
		t.Fatalf("expected 2 users after replay, got %d", n)
	}
	ch, _ := r.DB().Channel("#chat")
	if len(ch.Members) != 2 || ch.Modes != "nt" || ch.Topic != "welcome" {
		t.Fatalf("unexpected channel after replay %+v", ch)
	}
	if n := sideTr.count(" SERVER far.example.net "); n != 1 {
		t.Fatalf("expected SERVER forwarded once, got %d", n)
	}
	if n := sideTr.count(" UID "); n != 2 {
		t.Fatalf("expected each UID forwarded once, got %d", n)
	}
	if n := sideTr.count(" SJOIN "); n != 1 {
		t.Fatalf("expected SJOIN forwarded once, got %d", n)
	}
	if n := sideTr.count(" TB "); n != 1 {
		t.Fatalf("expected TB forwarded once, got %d", n)
	}
}

func TestSjoinOlderTSWipesLocalModes(t *testing.T) {
	r, rec := newTestRouter(t, Config{})
	mustLocal(t, r,
		uidLine(hubName, "hubby", "uid-hubby", 10),
		":uid-hubby JOIN 500 #chat +",
		":hub.example.net TMODE 500 #chat +o uid-hubby",
		":hub.example.net TMODE 500 #chat +s",
	)
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})

	mustFeed(t, r, leaf,
		uidLine("leaf.example.net", "alice", "uid-alice", 100),
		":leaf.example.net SJOIN 200 #chat +m :@uid-alice",
	)
	ch, _ := r.DB().Channel("#chat")
	if ch.TS != 200 || ch.Modes != "m" || ch.Members["uid-hubby"] != 0 || ch.Members["uid-alice"] != netdb.FlagOp {
		t.Fatalf("older SJOIN should win: %+v", ch)
	}
	flush(t, side, sideTr)
	if sideTr.count(":leaf.example.net SJOIN 200 #chat +m @uid-alice") != 1 {
		t.Fatalf("expected winning SJOIN forwarded as received, got %q", sideTr.lines())
	}
	joined := false
	for _, line := range rec.got("uid-hubby") {
		if line == ":alice!alice@alice.host JOIN #chat" {
			joined = true
		}
	}
	if !joined {
		t.Fatalf("local member was not told about the join: %q", rec.got("uid-hubby"))
	}

	// A newer SJOIN loses its modes and statuses.
	mustFeed(t, r, leaf,
		uidLine("leaf.example.net", "bob", "uid-bob", 100),
		":leaf.example.net SJOIN 900 #chat +k :@uid-bob",
	)
	ch, _ = r.DB().Channel("#chat")
	if ch.TS != 200 || ch.Key != "" || ch.Members["uid-bob"] != 0 {
		t.Fatalf("newer SJOIN should not win: %+v", ch)
	}
	flush(t, side, sideTr)
	if sideTr.count(":leaf.example.net SJOIN 200 #chat + uid-bob") != 1 {
		t.Fatalf("expected losing SJOIN rewritten with our TS, got %q", sideTr.lines())
	}
}

func TestCollisionRemoteLoserWaitsForItsServer(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	mustLocal(t, r, uidLine(hubName, "bob", "uid-hubbob", 50))
	leaf, leafTr := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})

	mustFeed(t, r, leaf, uidLine("leaf.example.net", "bob", "uid-leafbob", 75))
	flush(t, leaf, leafTr)

	holder, ok := r.DB().UserByNick("bob")
	if !ok || holder.UID != "uid-hubbob" {
		t.Fatalf("older bob must keep the nick, got %+v", holder)
	}
	loser, _ := r.DB().User("uid-leafbob")
	if !loser.Colliding {
		t.Fatalf("newer bob should be marked colliding")
	}
	if leafTr.count(" NICK ") != 0 || leafTr.count(" KILL ") != 0 {
		t.Fatalf("only the loser's server acts on a collision: %q", leafTr.lines())
	}

	saved := netdb.SaveNick("uid-leafbob")
	mustFeed(t, r, leaf, ":uid-leafbob NICK "+saved+" 75")
	loser, _ = r.DB().User("uid-leafbob")
	if loser.Colliding || loser.Nick != saved {
		t.Fatalf("rename from the owner should settle the collision: %+v", loser)
	}
}

func TestCollisionLocalLoserIsRenamed(t *testing.T) {
	now := time.Unix(1000, 0)
	r, rec := newTestRouter(t, Config{Now: func() time.Time { return now }})
	mustLocal(t, r, uidLine(hubName, "bob", "uid-hubbob", 75))
	leaf, leafTr := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})

	mustFeed(t, r, leaf, uidLine("leaf.example.net", "bob", "uid-leafbob", 50))
	saved := netdb.SaveNick("uid-hubbob")
	waitLine(t, leafTr, ":uid-hubbob NICK "+saved+" 1000")

	holder, _ := r.DB().UserByNick("bob")
	if holder.UID != "uid-leafbob" {
		t.Fatalf("older remote bob should hold the nick, got %+v", holder)
	}
	ours, _ := r.DB().User("uid-hubbob")
	if ours.Nick != saved || ours.Colliding {
		t.Fatalf("local loser should be renamed, got %+v", ours)
	}
	got := rec.got("uid-hubbob")
	if len(got) != 1 || got[0] != ":bob!bob@bob.host NICK "+saved {
		t.Fatalf("local user was not told about its rename: %q", got)
	}
}

func TestCollisionKillPolicy(t *testing.T) {
	r, rec := newTestRouter(t, Config{CollisionPolicy: PolicyKill})
	mustLocal(t, r, uidLine(hubName, "bob", "uid-hubbob", 75))
	leaf, leafTr := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})

	mustFeed(t, r, leaf, uidLine("leaf.example.net", "bob", "uid-leafbob", 50))
	waitLine(t, leafTr, ":hub.example.net KILL uid-hubbob :Nick collision")

	if _, ok := r.DB().User("uid-hubbob"); ok {
		t.Fatalf("killed user should be gone")
	}
	if reason := rec.disconnected["uid-hubbob"]; reason != "Nick collision" {
		t.Fatalf("expected local disconnect, got %q", reason)
	}
}

func TestLinkDownCascadesOneQuitPerUser(t *testing.T) {
	r, rec := newTestRouter(t, Config{})
	mustLocal(t, r,
		uidLine(hubName, "hubby", "uid-hubby", 10),
		":uid-hubby JOIN 100 #chat +",
	)
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})

	mustFeed(t, r, leaf, ":leaf.example.net SERVER far.example.net 2 :Far")
	for i := 0; i < 40; i++ {
		server := "leaf.example.net"
		if i%2 == 1 {
			server = "far.example.net"
		}
		uid := fmt.Sprintf("uid-%02d", i)
		mustFeed(t, r, leaf, uidLine(server, fmt.Sprintf("user%02d", i), uid, int64(100+i)))
		mustFeed(t, r, leaf, fmt.Sprintf(":%s JOIN 100 #chat +", uid))
	}
	mustFeed(t, r, leaf, ":leaf.example.net SJOIN 300 #remote + :uid-00 uid-01")
	flush(t, side, sideTr)
	before := r.DB().UserCount()
	mark := len(sideTr.lines())

	r.LinkDown(leaf, "Connection reset by peer")
	flush(t, side, sideTr)

	if got := before - r.DB().UserCount(); got != 40 {
		t.Fatalf("expected 40 users removed, got %d", got)
	}
	if r.DB().HasServer("far.example.net") || r.DB().HasServer("leaf.example.net") {
		t.Fatalf("split servers must be removed")
	}
	if _, ok := r.DB().Channel("#remote"); ok {
		t.Fatalf("channel with only split members must be destroyed")
	}
	if ch, _ := r.DB().Channel("#chat"); len(ch.Members) != 1 {
		t.Fatalf("expected only the local member left, got %v", ch.Members)
	}

	quits := make(map[string]int)
	var squits []string
	for _, line := range sideTr.lines()[mark:] {
		m, err := irc.Parse(line)
		if err != nil {
			continue
		}
		switch m.Command {
		case irc.CmdQuit:
			quits[m.Prefix]++
			if len(squits) > 0 {
				t.Fatalf("QUIT after SQUIT: %q", line)
			}
		case irc.CmdSquit:
			squits = append(squits, line)
		}
	}
	if len(quits) != 40 {
		t.Fatalf("expected 40 distinct QUITs, got %d", len(quits))
	}
	for uid, n := range quits {
		if n != 1 {
			t.Fatalf("%s quit %d times", uid, n)
		}
	}
	if len(squits) != 1 || squits[0] != ":hub.example.net SQUIT leaf.example.net :Connection reset by peer" {
		t.Fatalf("expected one SQUIT, got %q", squits)
	}

	quitLines := 0
	for _, line := range rec.got("uid-hubby") {
		if strings.Contains(line, " QUIT :hub.example.net leaf.example.net") {
			quitLines++
		}
	}
	if quitLines != 40 {
		t.Fatalf("local channel member should see 40 split quits, got %d", quitLines)
	}
}

func TestRemoteSplitIsNotDoubleCounted(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	mustFeed(t, r, leaf,
		":leaf.example.net SERVER far.example.net 2 :Far",
		uidLine("far.example.net", "carol", "uid-carol", 100),
		uidLine("far.example.net", "dave", "uid-dave", 100),
		uidLine("leaf.example.net", "erin", "uid-erin", 100),
	)
	flush(t, side, sideTr)
	mark := len(sideTr.lines())

	// leaf already announced carol's QUIT; dave is only covered by the SQUIT.
	mustFeed(t, r, leaf,
		":uid-carol QUIT :leaf.example.net far.example.net",
		":leaf.example.net SQUIT far.example.net :Ping timeout",
	)
	flush(t, side, sideTr)

	got := sideTr.lines()[mark:]
	want := []string{
		":uid-carol QUIT :leaf.example.net far.example.net",
		":uid-dave QUIT :leaf.example.net far.example.net",
		":hub.example.net SQUIT far.example.net :Ping timeout",
	}
	if len(got) < len(want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	for i, line := range want {
		if got[i] != line {
			t.Fatalf("line %d: expected %q, got %q", i, line, got[i])
		}
	}
	if _, ok := r.DB().User("uid-erin"); !ok {
		t.Fatalf("users on the surviving peer must stay")
	}
	if !r.Linked("leaf.example.net") {
		t.Fatalf("a split behind leaf must not drop the leaf link")
	}
}

func TestStalledLinkIsDroppedWithoutHoldingOthers(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	slow, slowTr := registerPeer(t, r, "slow.example.net", "QS", link.Options{SendQBytes: 4096, StallBytes: 1024})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	slowTr.stall()

	for i := 0; i < 100; i++ {
		mustFeed(t, r, leaf, uidLine("leaf.example.net", fmt.Sprintf("user%03d", i), fmt.Sprintf("uid-%03d", i), 100))
	}
	flush(t, side, sideTr)

	if n := sideTr.count(" UID "); n != 100 {
		t.Fatalf("expected all 100 introductions on the healthy link, got %d", n)
	}
	select {
	case <-slow.Done():
	case <-time.After(testWait):
		t.Fatalf("expected the stalled link to be closed")
	}
	if slow.CloseReason() != "Max SendQ exceeded" {
		t.Fatalf("unexpected close reason %q", slow.CloseReason())
	}
	if r.Linked("slow.example.net") || r.DB().HasServer("slow.example.net") {
		t.Fatalf("stalled link must leave the network")
	}
	if sideTr.count(":hub.example.net SQUIT slow.example.net :Max SendQ exceeded") != 1 {
		t.Fatalf("expected the split to be announced, got %q", sideTr.lines())
	}
	if !r.Linked("leaf.example.net") || !r.Linked("side.example.net") {
		t.Fatalf("healthy links must survive")
	}
}

func TestProtocolViolationsAreReported(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	registerPeer(t, r, "side.example.net", "QS", link.Options{})

	cases := []string{
		uidLine("nowhere.example.net", "x", "uid-x", 1),
		":side.example.net SERVER spoof.example.net 2 :Spoof",
		":leaf.example.net SERVER side.example.net 2 :Loop",
		"PASS pw TS 6",
		":leaf.example.net UID x 1 1 +",
	}
	for _, line := range cases {
		if err := feed(t, r, leaf, line); !errors.Is(err, ErrProtocol) {
			t.Fatalf("%q: expected ErrProtocol, got %v", line, err)
		}
	}
	if err := feed(t, r, leaf, "ERROR :going away"); !errors.Is(err, ErrPeerError) {
		t.Fatalf("expected ErrPeerError, got %v", err)
	}

	// State that moved on is not the peer's fault.
	for _, line := range []string{
		":uid-gone PRIVMSG #nowhere :hi",
		":leaf.example.net TMODE 1 #nowhere +m",
		":leaf.example.net FROBNICATE x",
	} {
		if err := feed(t, r, leaf, line); err != nil {
			t.Fatalf("%q: expected no error, got %v", line, err)
		}
	}

	r.LinkDown(leaf, "protocol violation")
	if !r.Linked("side.example.net") {
		t.Fatalf("dropping one link must not touch the other")
	}
}

func TestExtensionRecordsOnlyReachCapablePeers(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, _ := registerPeer(t, r, "leaf.example.net", "QS BMASK", link.Options{})
	plain, plainTr := registerPeer(t, r, "plain.example.net", "QS", link.Options{})
	modern, modernTr := registerPeer(t, r, "modern.example.net", "QS BMASK", link.Options{})

	mustFeed(t, r, leaf,
		uidLine("leaf.example.net", "alice", "uid-alice", 100),
		":leaf.example.net SJOIN 100 #chat + :@uid-alice",
		":leaf.example.net BMASK 100 #chat b :*!*@bad *!*@worse",
		":leaf.example.net BMASK 100 #chat b :*!*@bad",
	)
	flush(t, plain, plainTr)
	flush(t, modern, modernTr)

	ch, _ := r.DB().Channel("#chat")
	if len(ch.Bans) != 2 {
		t.Fatalf("expected 2 bans, got %q", ch.Bans)
	}
	if plainTr.count(" BMASK ") != 0 {
		t.Fatalf("peer without BMASK must not see it: %q", plainTr.lines())
	}
	if modernTr.count(":leaf.example.net BMASK 100 #chat b :*!*@bad *!*@worse") != 1 || modernTr.count(" BMASK ") != 1 {
		t.Fatalf("expected one BMASK on the capable peer, got %q", modernTr.lines())
	}
	if err := feed(t, r, leaf, ":leaf.example.net BMASK 100 #chat q :*!*@x"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected bad list type to be a protocol error, got %v", err)
	}
}

func TestMessagesFollowMembership(t *testing.T) {
	r, rec := newTestRouter(t, Config{})
	mustLocal(t, r,
		uidLine(hubName, "hubby", "uid-hubby", 10),
		":uid-hubby JOIN 100 #chat +",
	)
	leaf, leafTr := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	other, otherTr := registerPeer(t, r, "other.example.net", "QS", link.Options{})

	mustFeed(t, r, leaf,
		uidLine("leaf.example.net", "alice", "uid-alice", 100),
		":uid-alice JOIN 100 #chat +",
	)
	mustFeed(t, r, side,
		uidLine("side.example.net", "carol", "uid-carol", 100),
		":uid-carol JOIN 100 #chat +",
	)
	flush(t, leaf, leafTr)
	flush(t, side, sideTr)
	flush(t, other, otherTr)
	leafMark, sideMark, otherMark := len(leafTr.lines()), len(sideTr.lines()), len(otherTr.lines())

	mustFeed(t, r, leaf,
		":uid-alice PRIVMSG #chat :hi all",
		":uid-alice PRIVMSG uid-carol :psst",
	)
	mustLocal(t, r, ":uid-hubby NOTICE alice :hello")
	flush(t, leaf, leafTr)
	flush(t, side, sideTr)
	flush(t, other, otherTr)

	got := rec.got("uid-hubby")
	if len(got) == 0 || got[len(got)-1] != ":alice!alice@alice.host PRIVMSG #chat :hi all" {
		t.Fatalf("local member should get the channel message, got %q", got)
	}
	sideGot := sideTr.lines()[sideMark:]
	if len(sideGot) != 3 || sideGot[0] != ":uid-alice PRIVMSG #chat :hi all" || sideGot[1] != ":uid-alice PRIVMSG uid-carol psst" {
		t.Fatalf("unexpected lines to side: %q", sideGot)
	}
	leafGot := leafTr.lines()[leafMark:]
	if len(leafGot) != 2 || leafGot[0] != ":uid-hubby NOTICE uid-alice hello" {
		t.Fatalf("unexpected lines to leaf: %q", leafGot)
	}
	if n := len(otherTr.lines()) - otherMark; n != 1 {
		t.Fatalf("link without members must only see the barrier, got %q", otherTr.lines()[otherMark:])
	}
}

func TestSquitDirectPeer(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	leaf, leafTr := registerPeer(t, r, "leaf.example.net", "QS", link.Options{})
	side, sideTr := registerPeer(t, r, "side.example.net", "QS", link.Options{})
	mustFeed(t, r, leaf, ":leaf.example.net SERVER far.example.net 2 :Far")

	if err := r.Squit("far.example.net", "not here"); err != nil {
		t.Fatalf("squit remote: %v", err)
	}
	waitLine(t, leafTr, ":hub.example.net SQUIT far.example.net :not here")
	if !r.DB().HasServer("far.example.net") {
		t.Fatalf("a routed SQUIT waits for the split to come back")
	}

	if err := r.Squit("leaf.example.net", "maintenance"); err != nil {
		t.Fatalf("squit: %v", err)
	}
	waitLine(t, leafTr, "ERROR :Closing Link: maintenance")
	flush(t, side, sideTr)
	if sideTr.count(":hub.example.net SQUIT leaf.example.net maintenance") != 1 {
		t.Fatalf("expected split announced to side, got %q", sideTr.lines())
	}
	if r.Linked("leaf.example.net") || r.DB().HasServer("far.example.net") {
		t.Fatalf("leaf and everything behind it must be gone")
	}
	if err := r.Squit("leaf.example.net", "again"); !errors.Is(err, netdb.ErrNoSuchServer) {
		t.Fatalf("expected ErrNoSuchServer, got %v", err)
	}
}
