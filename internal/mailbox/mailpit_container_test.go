package mailbox

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kuitang/authprobe/internal/poll"
)

const mailpitImage = "axllent/mailpit:v1.21"

func startMailpit(t *testing.T, ctx context.Context) (apiURL, smtpAddr string) {
	t.Helper()
	if testing.Short() {
		t.Skip("mailpit container skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mailpitImage,
			ExposedPorts: []string{"1025/tcp", "8025/tcp"},
			WaitingFor: wait.ForHTTP("/api/v1/info").
				WithPort("8025/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	apiURL, err = c.PortEndpoint(ctx, "8025/tcp", "http")
	require.NoError(t, err)
	smtpAddr, err = c.PortEndpoint(ctx, "1025/tcp", "")
	require.NoError(t, err)
	return apiURL, smtpAddr
}

func sendMail(t *testing.T, addr, to, subject, contentType, body string) {
	t.Helper()
	msg := strings.Join([]string{
		"From: noreply@auth.example.com",
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: " + contentType + "; charset=utf-8",
		"",
		body,
	}, "\r\n")
	require.NoError(t, smtp.SendMail(addr, nil, "noreply@auth.example.com", []string{to}, []byte(msg)))
}

func TestMailpit_VerificationCodeAndResetLink(t *testing.T) {
	ctx := context.Background()
	apiURL, smtpAddr := startMailpit(t, ctx)
	c := New(apiURL, nil)
	p := poll.Policy{MaxAttempts: 20, Delay: 250 * time.Millisecond}
	to := fmt.Sprintf("user.test_%d@tchapgouv.com", time.Now().UnixNano())

	sendMail(t, smtpAddr, to, "Vérifiez votre adresse", "text/plain", "Votre code de vérification : 640213")
	code, err := c.WaitForVerificationCode(ctx, to, p)
	require.NoError(t, err)
	require.Equal(t, "640213", code)

	sendMail(t, smtpAddr, to, "Réinitialisation", "text/html",
		`<p><a href="https://auth.example.com/account/password/recovery?ticket=T1">Réinitialiser</a></p>`)
	link, err := c.WaitForPasswordResetLink(ctx, to, p)
	require.NoError(t, err)
	require.Equal(t, "https://auth.example.com/account/password/recovery?ticket=T1", link)

	require.NoError(t, c.DeleteFor(ctx, to))
	_, err = c.Latest(ctx, to)
	require.Error(t, err)
}
