package protocol

import "testing"

func TestParseClientFrame(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid message", `{"type":"message","conversation_id":"c1","text":"hi"}`, false},
		{"valid join", `{"type":"join","conversation_id":"c1"}`, false},
		{"not json", `hello`, true},
		{"no type", `{"conversation_id":"c1"}`, true},
		{"unknown type", `{"type":"poke","conversation_id":"c1"}`, true},
		{"no conversation", `{"type":"join"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientFrame([]byte(tc.raw))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
