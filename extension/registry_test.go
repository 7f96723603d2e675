package extension

import (
	"errors"
	"testing"

	"ircnet/irc"
	"ircnet/netdb"
)

type stubExt struct {
	token    string
	commands []string
	watched  []string
}

func (s *stubExt) Capability() string { return s.token }
func (s *stubExt) Commands() []string { return s.commands }
func (s *stubExt) HandleMessage(db *netdb.DB, source string, msg *irc.Message) (*irc.Message, error) {
	return msg, nil
}
func (s *stubExt) BurstUser(db *netdb.DB, u netdb.User) []*irc.Message {
	return []*irc.Message{irc.NewMessage(u.UID, "CERTFP", "abc")}
}
func (s *stubExt) LinkRegistered(peer string, caps irc.Caps) {
	s.watched = append(s.watched, peer)
}

func TestRegisterRejectsCoreAndClaimedCommands(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubExt{token: "ENCAP", commands: []string{"SJOIN"}}); !errors.Is(err, ErrCoreCommand) {
		t.Fatalf("expected ErrCoreCommand, got %v", err)
	}
	if err := r.Register(&stubExt{token: "CERT", commands: []string{"certfp"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&stubExt{token: "OTHER", commands: []string{"CERTFP", "X"}}); !errors.Is(err, ErrCommandClaimed) {
		t.Fatalf("expected ErrCommandClaimed, got %v", err)
	}
	if _, _, ok := r.Handler("X"); ok {
		t.Fatalf("rejected registration must not leave partial claims")
	}
	if err := r.Register(&stubExt{token: "cert"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := r.Register(&stubExt{token: "BAD TOKEN"}); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}

	h, token, ok := r.Handler("CertFP")
	if !ok || token != "CERT" || h == nil {
		t.Fatalf("expected CERT to own CERTFP, got %q %v", token, ok)
	}
}

func TestBurstOnlyForAdvertisedCapabilities(t *testing.T) {
	r := NewRegistry()
	ext := &stubExt{token: "CERT"}
	if err := r.Register(ext); err != nil {
		t.Fatalf("register: %v", err)
	}
	db := netdb.New("hub.example.net", "Hub")
	u := netdb.User{UID: "uid-1", Nick: "a", Server: "hub.example.net"}

	if got := r.BurstUser(db, u, irc.ParseCaps("QS")); len(got) != 0 {
		t.Fatalf("peer without CERT must get no records, got %d", len(got))
	}
	if got := r.BurstUser(db, u, irc.ParseCaps("qs cert")); len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}

	r.LinkRegistered("leaf.example.net", irc.ParseCaps("QS"))
	r.LinkRegistered("other.example.net", irc.ParseCaps("CERT"))
	if len(ext.watched) != 1 || ext.watched[0] != "other.example.net" {
		t.Fatalf("unexpected watcher calls %v", ext.watched)
	}
	if caps := r.Capabilities(); len(caps) != 1 || caps[0] != "CERT" {
		t.Fatalf("unexpected capabilities %v", caps)
	}
}
