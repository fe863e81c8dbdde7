package domain

import "testing"

func TestDirectChannelIDOrderIndependent(t *testing.T) {
	a := DirectChannelID("alice", "bob")
	b := DirectChannelID("bob", "alice")
	if a != b {
		t.Fatalf("argument order changed the id: %s vs %s", a, b)
	}
	if a == DirectChannelID("alice", "carol") {
		t.Fatal("different pairs must not collide")
	}
}

func TestHasParticipant(t *testing.T) {
	global := Channel{ID: "global", Kind: ChannelGlobal}
	if !global.HasParticipant("anyone") {
		t.Fatal("global channel must admit everyone")
	}
	dm := Channel{Kind: ChannelDirect, ParticipantIDs: []string{"alice", "bob"}}
	if !dm.HasParticipant("alice") || dm.HasParticipant("carol") {
		t.Fatal("direct channel membership check failed")
	}
}
