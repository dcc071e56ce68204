package featureflags

import (
	"context"
	"fmt"

	"smallbiznis-autopost/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// FeatureFlag resolves per-organization overrides. Identifiers are org ids.
type FeatureFlag interface {
	Enabled(ctx context.Context, identifier, feature string) (bool, error)
	Value(ctx context.Context, identifier, feature string) (string, bool, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, identifier, feature string) (bool, error) {
	if s.client == nil {
		return false, nil
	}

	flags, err := s.client.GetIdentityFlags(identifier, nil)
	if err != nil {
		return false, err
	}

	return flags.IsFeatureEnabled(feature)
}

// Value returns the flag's string value and whether it is enabled. A disabled
// flag or a client without an api key yields ("", false, nil).
func (s *featureflag) Value(ctx context.Context, identifier, feature string) (string, bool, error) {
	if s.client == nil {
		return "", false, nil
	}

	flags, err := s.client.GetIdentityFlags(identifier, nil)
	if err != nil {
		return "", false, err
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil || !enabled {
		return "", false, err
	}

	v, err := flags.GetFeatureValue(feature)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", true, nil
	}

	return fmt.Sprint(v), true, nil
}

// Static is a fixed flag set, used when flagsmith is not configured and in tests.
type Static map[string]string

func (s Static) Enabled(_ context.Context, identifier, feature string) (bool, error) {
	_, ok := s.lookup(identifier, feature)
	return ok, nil
}

func (s Static) Value(_ context.Context, identifier, feature string) (string, bool, error) {
	v, ok := s.lookup(identifier, feature)
	return v, ok, nil
}

// lookup prefers an "<identifier>/<feature>" entry over the bare feature.
func (s Static) lookup(identifier, feature string) (string, bool) {
	if v, ok := s[identifier+"/"+feature]; ok {
		return v, true
	}
	v, ok := s[feature]
	return v, ok
}
