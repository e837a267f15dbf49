package invoker

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"fleet/internal/orchestrator"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var (
	_ orchestrator.RemoteInvoker  = (*Lambda)(nil)
	_ orchestrator.FunctionLister = (*Lambda)(nil)
)

type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambdasvc.InvokeInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
	lambdasvc.ListFunctionsAPIClient
}

type Lambda struct {
	client         lambdaAPI
	invocationType types.InvocationType
	logger         *slog.Logger
}

// NewLambda builds a client for cfg.Region. CredentialsRef is either an IAM role
// ARN to assume or a shared config profile name; empty uses the default chain.
func NewLambda(ctx context.Context, cfg orchestrator.PoolConfig, logger *slog.Logger) (*Lambda, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newLambdaWithClient(lambdasvc.NewFromConfig(awsCfg), cfg, logger), nil
}

func newLambdaWithClient(client lambdaAPI, cfg orchestrator.PoolConfig, logger *slog.Logger) *Lambda {
	invocationType := types.InvocationTypeEvent
	if cfg.InvocationType == string(types.InvocationTypeRequestResponse) {
		invocationType = types.InvocationTypeRequestResponse
	}
	return &Lambda{
		client:         client,
		invocationType: invocationType,
		logger:         logger.With("component", "lambda-invoker", "pool", cfg.PoolID),
	}
}

func loadAWSConfig(ctx context.Context, cfg orchestrator.PoolConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	ref := strings.TrimSpace(cfg.CredentialsRef)
	if ref != "" && !strings.HasPrefix(ref, "arn:") {
		opts = append(opts, config.WithSharedConfigProfile(ref))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}

	if strings.HasPrefix(ref, "arn:") {
		stsClient := sts.NewFromConfig(awsCfg)
		sessionName := "fleet-" + cfg.PoolID
		awsCfg.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			result, err := stsClient.AssumeRole(ctx, &sts.AssumeRoleInput{
				RoleArn:         aws.String(ref),
				RoleSessionName: aws.String(sessionName),
				DurationSeconds: aws.Int32(3600),
			})
			if err != nil {
				return aws.Credentials{}, fmt.Errorf("assume role failed: %w", err)
			}
			creds := result.Credentials
			return aws.Credentials{
				AccessKeyID:     aws.ToString(creds.AccessKeyId),
				SecretAccessKey: aws.ToString(creds.SecretAccessKey),
				SessionToken:    aws.ToString(creds.SessionToken),
				Source:          "AssumeRole",
				CanExpire:       true,
				Expires:         aws.ToTime(creds.Expiration),
			}, nil
		}))
	}

	return awsCfg, nil
}

func (l *Lambda) Invoke(ctx context.Context, functionRef string, payload []byte) (*orchestrator.InvokeResult, error) {
	input := &lambdasvc.InvokeInput{
		FunctionName:   aws.String(functionRef),
		InvocationType: l.invocationType,
		Payload:        payload,
	}
	// 只有同步调用才会返回日志
	if l.invocationType == types.InvocationTypeRequestResponse {
		input.LogType = types.LogTypeTail
	}

	out, err := l.client.Invoke(ctx, input)
	if err != nil {
		return nil, err
	}

	res := &orchestrator.InvokeResult{
		StatusCode:    int(out.StatusCode),
		FunctionError: aws.ToString(out.FunctionError),
		Payload:       out.Payload,
	}
	if out.LogResult != nil {
		if tail, err := base64.StdEncoding.DecodeString(*out.LogResult); err == nil {
			res.LogTail = string(tail)
		}
	}

	l.logger.Debug("Lambda invoked", "function", functionRef, "status", res.StatusCode,
		"function_error", res.FunctionError, "version", aws.ToString(out.ExecutedVersion))
	return res, nil
}

func (l *Lambda) ListFunctions(ctx context.Context) ([]string, error) {
	var names []string
	paginator := lambdasvc.NewListFunctionsPaginator(l.client, &lambdasvc.ListFunctionsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list functions: %w", err)
		}
		for _, fn := range page.Functions {
			names = append(names, aws.ToString(fn.FunctionName))
		}
	}
	return names, nil
}
