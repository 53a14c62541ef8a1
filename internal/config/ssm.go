package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParameterGetter is the subset of the SSM client used to resolve agent
// details. *ssm.Client satisfies it.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveAgentDetails fills any empty agent id/alias values from their SSM
// parameter paths. Directly configured values are left untouched, so env
// overrides always win over Parameter Store.
func (c *Config) ResolveAgentDetails(ctx context.Context, client ParameterGetter) error {
	fields := []struct {
		value *string
		path  string
	}{
		{&c.PrivilegedAgentID, c.PrivilegedAgentIDParamPath},
		{&c.PrivilegedAgentAliasID, c.PrivilegedAgentAliasParamPath},
		{&c.LimitedAgentID, c.LimitedAgentIDParamPath},
		{&c.LimitedAgentAliasID, c.LimitedAgentAliasParamPath},
	}

	for _, f := range fields {
		if *f.value != "" {
			continue
		}
		value, err := getParameter(ctx, client, f.path)
		if err != nil {
			return fmt.Errorf("resolve agent parameter %s: %w", f.path, err)
		}
		*f.value = value
	}

	return nil
}

func getParameter(ctx context.Context, client ParameterGetter, path string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(path),
	})
	if err != nil {
		return "", err
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", path)
	}
	return aws.ToString(out.Parameter.Value), nil
}
