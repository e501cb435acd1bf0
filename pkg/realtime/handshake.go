package realtime

import (
	"lexrt/pkg/protocol"
)

// SetIdentity changes the identity the channel authenticates with. If the
// channel is authenticated or authenticating under another identity it is
// de-authenticated first, so events never keep flowing under a stale
// identity. An empty identity only de-authenticates.
func (c *Channel) SetIdentity(identity string) {
	c.mu.Lock()
	if c.disposed || c.identity == identity {
		c.mu.Unlock()
		return
	}
	c.identity = identity
	deauth := c.aState == AuthAuthenticated || c.aState == AuthAuthenticating
	if deauth || c.aState == AuthFailed {
		c.aState = AuthUnauthenticated
		c.boundIdentity = ""
		c.pendingIdentity = ""
	}
	c.mu.Unlock()

	if deauth {
		c.log.Info().Msg("identity changed, re-authenticating")
		c.publish(LifecycleDeauthenticated, nil)
	}
	c.maybeAuthenticate()
}

// Identity returns the identity the channel authenticates with.
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// maybeAuthenticate sends one authenticate command when the channel is
// connected, an identity is known and no handshake is done or in flight.
func (c *Channel) maybeAuthenticate() {
	c.mu.Lock()
	if c.disposed || c.tState != StateConnected || c.identity == "" || c.aState != AuthUnauthenticated {
		c.mu.Unlock()
		return
	}
	cy := c.cycle
	tr := cy.tr
	identity := c.identity
	c.aState = AuthAuthenticating
	c.pendingIdentity = identity
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.EventAuthenticate, protocol.AuthenticatePayload{Identity: identity})
	if err == nil {
		err = tr.Send(cy.ctx, env)
	}
	if err != nil {
		c.mu.Lock()
		if c.cycle == cy && c.aState == AuthAuthenticating {
			c.aState = AuthUnauthenticated
			c.pendingIdentity = ""
			c.lastErr = err
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("send authenticate failed")
		return
	}
	c.log.Debug().Str("identity", identity).Msg("authenticate sent")
}

func (c *Channel) handleAuthReply(cy *cycle, env protocol.Envelope) {
	c.mu.Lock()
	if c.cycle != cy || c.aState != AuthAuthenticating {
		state := c.aState
		c.mu.Unlock()
		c.log.Debug().Str("event", env.Event).Str("auth", string(state)).Msg("dropping unexpected auth reply")
		return
	}

	if env.Event == protocol.EventAuthError {
		var p protocol.AuthErrorPayload
		_ = env.Decode(&p)
		rejected := &protocol.AuthRejectedError{Channel: c.name, Identity: c.pendingIdentity, Reason: p.Reason}
		c.aState = AuthFailed
		c.pendingIdentity = ""
		c.lastErr = rejected
		c.mu.Unlock()

		c.log.Warn().Err(rejected).Msg("authentication rejected")
		c.publish(LifecycleAuthFailed, rejected)
		return
	}

	var p protocol.AuthSuccessPayload
	_ = env.Decode(&p)
	if p.Identity != "" && p.Identity != c.pendingIdentity {
		pending := c.pendingIdentity
		c.mu.Unlock()
		c.log.Debug().Str("acked", p.Identity).Str("pending", pending).Msg("dropping auth ack for another identity")
		return
	}
	bound := c.pendingIdentity
	c.aState = AuthAuthenticated
	c.boundIdentity = bound
	c.pendingIdentity = ""
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Info().Str("identity", bound).Msg("authenticated")
	c.publish(LifecycleAuthenticated, nil)
}
