// Package firebaseapp initialises the Firebase Admin SDK and exposes the
// clients the services use.
package firebaseapp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/quickrun-notify/internal/config"
)

// NewApp creates a Firebase app for cfg. An empty CredentialsFile falls back to
// application-default credentials.
func NewApp(ctx context.Context, cfg config.FirebaseConfig) (*firebase.App, error) {
	opts := []option.ClientOption{}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return app, nil
}

// Clients bundles the Firebase clients a process needs.
type Clients struct {
	Firestore *firestore.Client
	Messaging *messaging.Client
	Auth      *auth.Client
}

// Open initialises the app and every client. Close releases Firestore.
func Open(ctx context.Context, cfg config.FirebaseConfig) (*Clients, error) {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Firestore: %w", err)
	}
	msg, err := app.Messaging(ctx)
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	ac, err := app.Auth(ctx)
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &Clients{Firestore: fs, Messaging: msg, Auth: ac}, nil
}

func (c *Clients) Close() error {
	if c == nil || c.Firestore == nil {
		return nil
	}
	return c.Firestore.Close()
}

// Token holds the verified caller identity.
type Token struct {
	UID    string
	Claims map[string]interface{}
}

// TokenVerifier verifies a raw Firebase ID token.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*Token, error)
}

type authVerifier struct {
	client *auth.Client
}

func NewTokenVerifier(client *auth.Client) TokenVerifier {
	return &authVerifier{client: client}
}

func (v *authVerifier) VerifyIDToken(ctx context.Context, idToken string) (*Token, error) {
	t, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &Token{UID: t.UID, Claims: t.Claims}, nil
}
