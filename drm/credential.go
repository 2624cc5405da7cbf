package drm

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/transport"
)

// CredentialGuard runs remote commands for drivers whose backend needs a
// delegated credential. When a command's output says the credential has
// expired, the guard renews it once and reruns the command once.
type CredentialGuard struct {
	Transport transport.Transport
	Expired   func(stdout, stderr string) bool
	Renew     func(ctx context.Context) error
	// Called before each renewal, may be nil.
	OnRenew func()
}

// Run behaves like Transport.Run. If the retried command still reports an
// expired credential, the outputs come back along with a JobError.
func (g *CredentialGuard) Run(ctx context.Context, cmd string) (string, string, error) {
	stdout, stderr, err := g.Transport.Run(ctx, cmd)
	if err != nil || !g.Expired(stdout, stderr) {
		return stdout, stderr, err
	}

	log.WithFields(log.Fields{"cmd": cmd}).Info("Credential expired, renewing")
	if g.OnRenew != nil {
		g.OnRenew()
	}
	if err := g.Renew(ctx); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Credential renewal failed")
	}

	stdout, stderr, err = g.Transport.Run(ctx, cmd)
	if err == nil && g.Expired(stdout, stderr) {
		err = NewJobError("credential still expired after renewal: %s %s", stdout, stderr)
	}
	return stdout, stderr, err
}
