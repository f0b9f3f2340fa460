package config

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// TokenProvider returns a bearer token for one connection attempt, or an
// empty token when none is configured. It is called per attempt, never
// cached, so rotated credentials take effect on the next reconnect.
type TokenProvider func(ctx context.Context) (string, error)

// NewTokenProvider builds a TokenProvider from AuthConfig. SSM Parameter
// Store wins when a parameter name is configured; otherwise the token is
// read from the environment.
func NewTokenProvider(cfg AuthConfig) TokenProvider {
	return func(ctx context.Context) (string, error) {
		if cfg.ParameterName != "" {
			return getParameterStoreValue(ctx, cfg.ParameterName, true)
		}
		return os.Getenv(cfg.EnvVar), nil
	}
}

func getParameterStoreValue(ctx context.Context, parameterName string, decrypt bool) (string, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctxWithTimeout)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}

	client := ssm.NewFromConfig(awsCfg)

	input := &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	}

	result, err := client.GetParameter(ctxWithTimeout, input)
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", parameterName, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", parameterName)
	}

	return *result.Parameter.Value, nil
}
