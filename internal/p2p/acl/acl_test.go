package acl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckFirstMatchWins(t *testing.T) {
	l := New()
	l.Set([]Rule{
		{SubjectDID: "did:cis:alice", Effect: Deny, Scope: "/cis/memory/private/"},
		{SubjectDID: "did:cis:alice", Effect: Allow, Scope: "*"},
	})

	effect, rule := l.Check("did:cis:alice", "/cis/memory/private/secret")
	require.Equal(t, Deny, effect)
	require.NotNil(t, rule)

	effect, _ = l.Check("did:cis:alice", "/cis/memory/public/note")
	require.Equal(t, Allow, effect)
}

func TestCheckDefaultDeny(t *testing.T) {
	l := New()
	effect, rule := l.Check("did:cis:unknown", "*")
	require.Equal(t, Deny, effect)
	require.Nil(t, rule)
}

func TestAppendAndSnapshot(t *testing.T) {
	l := New()
	l.Append(Rule{SubjectDID: "did:cis:bob", Effect: Allow, Scope: "*"})
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "did:cis:bob", snap[0].SubjectDID)

	// mutating the snapshot must not affect the live list
	snap[0].Effect = Deny
	effect, _ := l.Check("did:cis:bob", "*")
	require.Equal(t, Allow, effect)
}
