package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/smtpsink"
)

func startSink(t *testing.T) (*smtpsink.Server, *SMTPDialer) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sink := smtpsink.New(smtpsink.Config{
		Users:  map[string]string{"hr@example.com": "app-pass"},
		Reject: []string{"bounce@example.com"},
	}, discardLogger())
	go func() { _ = sink.Serve(l) }()
	t.Cleanup(func() { _ = sink.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	return sink, &SMTPDialer{
		Host:           host,
		Port:           portNum,
		TLSMode:        TLSNone,
		CommandTimeout: 5 * time.Second,
	}
}

func TestSMTPDialer_SendThroughSink(t *testing.T) {
	t.Parallel()
	sink, dialer := startSink(t)
	ctx := context.Background()

	sess, err := dialer.Dial(ctx, Credential{Email: "hr@example.com", Secret: "app-pass"})
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Verify(ctx))

	msg, err := Compose(Envelope{From: "hr@example.com", To: "ada@example.com", Subject: "Hi", HTML: "<p>Hi</p>"})
	require.NoError(t, err)
	require.NoError(t, sess.Send(ctx, msg))

	got := sink.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "Hi", got[0].Subject)
	assert.Equal(t, []string{"ada@example.com"}, got[0].To)
}

func TestSMTPDialer_BadCredentialIsAuthError(t *testing.T) {
	t.Parallel()
	_, dialer := startSink(t)

	_, err := dialer.Dial(context.Background(), Credential{Email: "hr@example.com", Secret: "nope"})
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.True(t, IsTerminal(err))
}

func TestSMTPDialer_RejectedRecipientKeepsSession(t *testing.T) {
	t.Parallel()
	sink, dialer := startSink(t)
	ctx := context.Background()

	sess, err := dialer.Dial(ctx, Credential{Email: "hr@example.com", Secret: "app-pass"})
	require.NoError(t, err)
	defer sess.Close()

	bounce, err := Compose(Envelope{From: "hr@example.com", To: "bounce@example.com", Subject: "x", HTML: "x"})
	require.NoError(t, err)
	err = sess.Send(ctx, bounce)
	require.Error(t, err)
	assert.Equal(t, KindUnknown, KindOf(err))

	require.NoError(t, sess.Reset())
	ok, err := Compose(Envelope{From: "hr@example.com", To: "ada@example.com", Subject: "y", HTML: "y"})
	require.NoError(t, err)
	require.NoError(t, sess.Send(ctx, ok))
	assert.Len(t, sink.Messages(), 1)
}

func TestSMTPDialer_ConnectFailure(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	dialer := &SMTPDialer{Host: "127.0.0.1", Port: addr.Port, TLSMode: TLSNone}
	_, err = dialer.Dial(context.Background(), Credential{Email: "hr@example.com", Secret: "x"})
	require.Error(t, err)
	assert.Equal(t, KindConnect, KindOf(err))
}

func TestSMTPDialer_PoolEndToEnd(t *testing.T) {
	t.Parallel()
	sink, dialer := startSink(t)
	p := newTestPool(t, dialer)
	ctx := context.Background()

	c, err := p.Acquire(ctx, Credential{Email: "hr@example.com", Secret: "app-pass"})
	require.NoError(t, err)

	for _, to := range []string{"a@example.com", "b@example.com"} {
		msg, err := Compose(Envelope{From: "hr@example.com", To: to, Subject: "s", HTML: "b"})
		require.NoError(t, err)
		require.NoError(t, p.Send(ctx, c, msg))
	}
	assert.Len(t, sink.Messages(), 2)
	assert.Equal(t, 1, sink.Sessions())
}

func TestParseTLSMode(t *testing.T) {
	t.Parallel()
	mode, err := ParseTLSMode("")
	require.NoError(t, err)
	assert.Equal(t, TLSImplicit, mode)

	mode, err = ParseTLSMode("STARTTLS")
	require.NoError(t, err)
	assert.Equal(t, TLSStartTLS, mode)

	_, err = ParseTLSMode("ssl3")
	require.Error(t, err)
}
