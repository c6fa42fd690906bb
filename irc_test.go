package malefirc

import (
	"reflect"
	"testing"
)

func TestModeSet(t *testing.T) {
	var ms modeSet
	ms.Add('m')
	ms.Add('t')
	ms.Add('m')
	if !ms.Has('m') || !ms.Has('t') || ms.Has('s') {
		t.Errorf("unexpected mode set: %q", ms)
	}
	if ms.String() != "+mt" {
		t.Errorf("String() = %q, want %q", ms.String(), "+mt")
	}
	ms.Del('m')
	if ms.Has('m') || !ms.Has('t') {
		t.Errorf("unexpected mode set after delete: %q", ms)
	}
}

func TestMentionedNicks(t *testing.T) {
	testCases := []struct {
		name string
		text string
		want []string
	}{
		{"none", "hello there", nil},
		{"simple", "hey @alice how are you", []string{"alice"}},
		{"several", "@alice @bob ping", []string{"alice", "bob"}},
		{"duplicates", "@alice and again @alice", []string{"alice"}},
		{"punctuation", "thanks @alice!", []string{"alice"}},
		{"specials", "cc @al[ice]|x", []string{"al[ice]|x"}},
		{"bareAt", "just an @ sign", nil},
	}

	for _, tc := range testCases {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			got := mentionedNicks(tc.text)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("mentionedNicks(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}
