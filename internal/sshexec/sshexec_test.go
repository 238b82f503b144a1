package sshexec

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_AddrDefaultsPort(t *testing.T) {
	s := Server{IP: "10.0.0.5"}
	assert.Equal(t, "10.0.0.5:22", s.Addr())

	s.Port = 2222
	assert.Equal(t, "10.0.0.5:2222", s.Addr())
}

func TestServer_Validate(t *testing.T) {
	tests := []struct {
		name    string
		server  Server
		wantErr bool
	}{
		{"password auth", Server{IP: "10.0.0.5", User: "root", Password: "pw"}, false},
		{"key auth", Server{IP: "10.0.0.5", User: "root", PrivateKey: "pem"}, false},
		{"missing ip", Server{User: "root", Password: "pw"}, true},
		{"missing user", Server{IP: "10.0.0.5", Password: "pw"}, true},
		{"no credentials", Server{IP: "10.0.0.5", User: "root"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.server.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDialer_BadPrivateKey(t *testing.T) {
	d := NewDialer(nil)
	_, err := d.Execute(Server{IP: "127.0.0.1", User: "root", PrivateKey: "not a pem"}, "true", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse private key")
}

func TestDialer_DialFailureIsReturnedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	d := NewDialer(slog.New(slog.NewTextHandler(&buf, nil)))
	d.ConnectTimeout = 500 * time.Millisecond

	// Port 1 on loopback refuses immediately; no exit callback may fire.
	_, err := d.Execute(Server{IP: "127.0.0.1", Port: 1, User: "root", Password: "pw"}, "true",
		nil,
		func(int) { t.Error("onExit must not fire on a dial failure") },
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial 127.0.0.1:1")
	assert.Contains(t, buf.String(), "ssh dial failed")
}
