package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIRCMessageTextAfter(t *testing.T) {
	tests := []struct {
		name   string
		params []string
		want   string
	}{
		{"single trailing", []string{"#general", "hello world"}, "hello world"},
		{"split params", []string{"#general", "hello", "there"}, "hello there"},
		{"channel only", []string{"#general"}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := IRCMessage{Command: "PRIVMSG", Params: tt.params}
			assert.Equal(t, tt.want, msg.TextAfter(0))
		})
	}
}

func TestFoldChannel(t *testing.T) {
	assert.Equal(t, FoldChannel("#General"), FoldChannel("#gEnErAl"))
	assert.NotEqual(t, FoldChannel("#general"), FoldChannel("#random"))
}

func TestSourceNick(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"Alice A", "Alice_A"},
		{"bob!x@y", "bob_x_y"},
		{"a,b*c?d:e", "a_b_c_d_e"},
		{"tab\there\x7f", "tab_here_"},
		{"zoë", "zoë"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SourceNick(tt.in), tt.in)
	}
}
