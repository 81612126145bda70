package llm

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockClient builds a Bedrock runtime client from the default AWS
// credential chain.
func bedrockClient(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}
