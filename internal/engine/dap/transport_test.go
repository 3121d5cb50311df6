package dap

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	msgs := []string{`{"seq":1}`, `{"seq":2,"type":"event"}`}
	for _, m := range msgs {
		if err := writeMessage(&buf, []byte(m)); err != nil {
			t.Fatalf("writeMessage: %v", err)
		}
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: 9\r\n\r\n{") {
		t.Errorf("unexpected framing: %q", buf.String())
	}

	r := bufio.NewReader(&buf)
	for _, want := range msgs {
		got, err := readMessage(r)
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}

func TestReadMessageHeaders(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"content type", "Content-Type: application/json\r\ncontent-length: 2\r\n\r\n{}", "{}", false},
		{"no space", "Content-Length:2\r\n\r\n{}", "{}", false},
		{"missing length", "Content-Type: x\r\n\r\n{}", "", true},
		{"bad length", "Content-Length: two\r\n\r\n{}", "", true},
		{"too large", "Content-Length: 99999999\r\n\r\n", "", true},
		{"malformed header", "garbage\r\n\r\n", "", true},
		{"short body", "Content-Length: 10\r\n\r\n{}", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readMessage(bufio.NewReader(strings.NewReader(tt.input)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
