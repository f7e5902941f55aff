package audit_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis.evalgo.org/audit"
)

func TestManualMonitor(t *testing.T) {
	m := audit.NewManualMonitor(false)
	assert.False(t, m.Online())

	var transitions []bool
	m.Subscribe(func(online bool) { transitions = append(transitions, online) })

	m.SetOnline(true)
	m.SetOnline(true) // no transition, no notification
	m.SetOnline(false)

	assert.False(t, m.Online())
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestDialMonitor(t *testing.T) {
	t.Run("reachable target reports online", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}()

		m := audit.NewDialMonitor(ln.Addr().String(), time.Hour, time.Second)
		m.Start()
		defer m.Stop()

		assert.True(t, m.Online(), "first probe is synchronous")
	})

	t.Run("unreachable target reports offline", func(t *testing.T) {
		// A listener that is closed immediately leaves a port nothing
		// accepts on.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		m := audit.NewDialMonitor(addr, time.Hour, 200*time.Millisecond)
		m.Start()
		defer m.Stop()

		assert.False(t, m.Online())
	})

	t.Run("stop without start returns immediately", func(t *testing.T) {
		m := audit.NewDialMonitor("127.0.0.1:1", time.Hour, time.Second)

		done := make(chan struct{})
		go func() {
			m.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Stop blocked on a monitor that was never started")
		}
	})
}
