package main

import (
	"fmt"

	aws "github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/dynamodb"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecr"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/glue"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/secretsmanager"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/sns"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/wafv2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// honeypotColumns mirrors the CSV header the handlers write.
var honeypotColumns = []string{
	"utc_time", "src_host", "src_port", "dst_host", "dst_port",
	"logtype", "node_id", "username", "password",
}

func main() { pulumi.Run(program) }

func program(ctx *pulumi.Context) error {
	project := "darktracer"
	if v, ok := ctx.GetConfig("darktracer:projectName"); ok && v != "" {
		project = v
	}
	env := ctx.Stack()
	name := func(s string) string { return fmt.Sprintf("%s-%s-%s", project, s, env) }

	prov, err := aws.NewProvider(ctx, "prov", &aws.ProviderArgs{
		DefaultTags: &aws.ProviderDefaultTagsArgs{
			Tags: pulumi.StringMap{
				"Project":     pulumi.String(project),
				"Environment": pulumi.String(env),
				"ManagedBy":   pulumi.String("Pulumi"),
			},
		},
	})
	if err != nil {
		return err
	}
	awsOpts := pulumi.Provider(prov)

	// Names follow the defaults the handlers derive from PROJECT_NAME and ENVIRONMENT.
	logsBucket, err := privateBucket(ctx, name("logs"), awsOpts)
	if err != nil {
		return err
	}
	trainingBucket, err := privateBucket(ctx, name("training-bucket"), awsOpts)
	if err != nil {
		return err
	}

	// athena_unload keeps query results next to the training data.
	_, err = s3.NewBucketLifecycleConfigurationV2(ctx, name("training-lifecycle"), &s3.BucketLifecycleConfigurationV2Args{
		Bucket: trainingBucket.ID(),
		Rules: s3.BucketLifecycleConfigurationV2RuleArray{
			&s3.BucketLifecycleConfigurationV2RuleArgs{
				Id:     pulumi.String("expire-athena-results"),
				Status: pulumi.String("Enabled"),
				Filter: &s3.BucketLifecycleConfigurationV2RuleFilterArgs{
					Prefix: pulumi.String("athena-results/"),
				},
				Expiration: &s3.BucketLifecycleConfigurationV2RuleExpirationArgs{
					Days: pulumi.Int(7),
				},
			},
		},
	}, awsOpts)
	if err != nil {
		return err
	}

	repo, err := ecr.NewRepository(ctx, name("train"), &ecr.RepositoryArgs{
		ImageScanningConfiguration: &ecr.RepositoryImageScanningConfigurationArgs{
			ScanOnPush: pulumi.Bool(true),
		},
	}, awsOpts)
	if err != nil {
		return err
	}

	openaiSecret, err := secretsmanager.NewSecret(ctx, name("openai"), &secretsmanager.SecretArgs{}, awsOpts)
	if err != nil {
		return err
	}

	ipSet, err := wafv2.NewIpSet(ctx, name("blocked-ip-set"), &wafv2.IpSetArgs{
		Name:             pulumi.String(name("blocked-ip-set")),
		Scope:            pulumi.String("REGIONAL"),
		IpAddressVersion: pulumi.String("IPV4"),
		Addresses:        pulumi.StringArray{},
	}, awsOpts)
	if err != nil {
		return err
	}

	alerts, err := sns.NewTopic(ctx, name("alerts"), &sns.TopicArgs{}, awsOpts)
	if err != nil {
		return err
	}
	if email, ok := ctx.GetConfig("darktracer:alertEmail"); ok && email != "" {
		_, err = sns.NewTopicSubscription(ctx, name("alerts-email"), &sns.TopicSubscriptionArgs{
			Topic:    alerts.Arn,
			Protocol: pulumi.String("email"),
			Endpoint: pulumi.String(email),
		}, awsOpts)
		if err != nil {
			return err
		}
	}

	ingestTable, err := dynamodb.NewTable(ctx, name("ingest"), &dynamodb.TableArgs{
		BillingMode: pulumi.String("PAY_PER_REQUEST"),
		HashKey:     pulumi.String("object_key"),
		Attributes: dynamodb.TableAttributeArray{
			&dynamodb.TableAttributeArgs{Name: pulumi.String("object_key"), Type: pulumi.String("S")},
		},
		Ttl: &dynamodb.TableTtlArgs{
			AttributeName: pulumi.String("expires_at"),
			Enabled:       pulumi.Bool(true),
		},
	}, awsOpts)
	if err != nil {
		return err
	}

	// Athena reads the normalized training CSVs through this catalog table.
	dbName := fmt.Sprintf("%s_clean_logs_%s", project, env)
	glueDb, err := glue.NewCatalogDatabase(ctx, dbName, &glue.CatalogDatabaseArgs{
		Name: pulumi.String(dbName),
	}, awsOpts)
	if err != nil {
		return err
	}
	columns := glue.CatalogTableStorageDescriptorColumnArray{}
	for _, c := range honeypotColumns {
		columns = append(columns, &glue.CatalogTableStorageDescriptorColumnArgs{
			Name: pulumi.String(c),
			Type: pulumi.String("string"),
		})
	}
	_, err = glue.NewCatalogTable(ctx, name("honeypot-logs"), &glue.CatalogTableArgs{
		DatabaseName: glueDb.Name,
		Name:         pulumi.String("honeypot_logs"),
		TableType:    pulumi.String("EXTERNAL_TABLE"),
		Parameters: pulumi.StringMap{
			"classification":         pulumi.String("csv"),
			"skip.header.line.count": pulumi.String("1"),
		},
		StorageDescriptor: &glue.CatalogTableStorageDescriptorArgs{
			Location: trainingBucket.Bucket.ApplyT(func(b string) string {
				return fmt.Sprintf("s3://%s/input/", b)
			}).(pulumi.StringOutput),
			InputFormat:  pulumi.String("org.apache.hadoop.mapred.TextInputFormat"),
			OutputFormat: pulumi.String("org.apache.hadoop.hive.ql.io.HiveIgnoreKeyTextOutputFormat"),
			SerDeInfo: &glue.CatalogTableStorageDescriptorSerDeInfoArgs{
				SerializationLibrary: pulumi.String("org.apache.hadoop.hive.serde2.lazy.LazySimpleSerDe"),
				Parameters:           pulumi.StringMap{"field.delim": pulumi.String(",")},
			},
			Columns: columns,
		},
	}, awsOpts)
	if err != nil {
		return err
	}

	honeypotLogs, err := cloudwatch.NewLogGroup(ctx, name("opencanary"), &cloudwatch.LogGroupArgs{
		Name:            pulumi.String(fmt.Sprintf("/%s/honeypot/opencanary", project)),
		RetentionInDays: pulumi.Int(30),
	}, awsOpts)
	if err != nil {
		return err
	}

	lambdaAssumeRolePolicy, err := iam.GetPolicyDocument(ctx, &iam.GetPolicyDocumentArgs{
		Statements: []iam.GetPolicyDocumentStatement{
			{
				Effect: pulumi.StringRef("Allow"),
				Principals: []iam.GetPolicyDocumentStatementPrincipal{
					{Type: "Service", Identifiers: []string{"lambda.amazonaws.com"}},
				},
				Actions: []string{"sts:AssumeRole"},
			},
		},
	}, nil)
	if err != nil {
		return err
	}
	fns := functionFactory{ctx: ctx, assumeRole: lambdaAssumeRolePolicy.Json, name: name, opts: []pulumi.ResourceOption{awsOpts}}

	commonEnv := pulumi.StringMap{
		"PROJECT_NAME": pulumi.String(project),
		"ENVIRONMENT":  pulumi.String(env),
	}
	withEnv := func(extra pulumi.StringMap) pulumi.StringMap {
		m := pulumi.StringMap{}
		for k, v := range commonEnv {
			m[k] = v
		}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	harvestFn, err := fns.create("honeypot_harvest", 300, withEnv(pulumi.StringMap{
		"LOG_GROUP":   honeypotLogs.Name,
		"BUCKET_NAME": logsBucket.Bucket,
	}), policyJSON(ctx, func(arns []string) []iam.GetPolicyDocumentStatement {
		return []iam.GetPolicyDocumentStatement{
			allow([]string{"logs:FilterLogEvents"}, arns[0]+":*"),
			allow([]string{"s3:PutObject"}, arns[1]+"/*"),
		}
	}, honeypotLogs.Arn, logsBucket.Arn))
	if err != nil {
		return err
	}

	normalizeFn, err := fns.create("normalize_logs", 900, withEnv(pulumi.StringMap{
		"BUCKET_NAME":     logsBucket.Bucket,
		"TRAINING_BUCKET": trainingBucket.Bucket,
		"CURATED_PREFIX":  pulumi.String("curated/"),
	}), policyJSON(ctx, func(arns []string) []iam.GetPolicyDocumentStatement {
		return []iam.GetPolicyDocumentStatement{
			allow([]string{"s3:ListBucket"}, arns[0], arns[1]),
			allow([]string{"s3:GetObject"}, arns[0]+"/*"),
			allow([]string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"}, arns[1]+"/*"),
		}
	}, logsBucket.Arn, trainingBucket.Arn))
	if err != nil {
		return err
	}

	unloadFn, err := fns.create("athena_unload", 900, withEnv(pulumi.StringMap{
		"TRAINING_BUCKET": trainingBucket.Bucket,
		"ATHENA_TABLE":    pulumi.String("honeypot_logs"),
	}), policyJSON(ctx, func(arns []string) []iam.GetPolicyDocumentStatement {
		return []iam.GetPolicyDocumentStatement{
			allow([]string{"athena:StartQueryExecution", "athena:GetQueryExecution", "athena:GetQueryResults"}, "*"),
			allow([]string{"glue:GetDatabase", "glue:GetTable", "glue:GetPartitions"}, "*"),
			allow([]string{"s3:ListBucket", "s3:GetBucketLocation"}, arns[0]),
			allow([]string{"s3:GetObject", "s3:PutObject"}, arns[0]+"/*"),
		}
	}, trainingBucket.Arn))
	if err != nil {
		return err
	}

	responderFn, err := fns.create("threat_responder", 60, pulumi.StringMap{
		"PROJECT_NAME":      pulumi.String(project),
		"ENV":               pulumi.String(env),
		"IP_SET_ID":         ipSet.ID().ToStringOutput(),
		"SNS_TOPIC_ARN":     alerts.Arn,
		"SECURITY_GROUP_ID": pulumi.String(configOr(ctx, "darktracer:honeypotSecurityGroupId", "")),
	}, policyJSON(ctx, func(arns []string) []iam.GetPolicyDocumentStatement {
		return []iam.GetPolicyDocumentStatement{
			allow([]string{"wafv2:GetIPSet", "wafv2:UpdateIPSet"}, arns[0]),
			allow([]string{"ec2:DescribeSecurityGroups", "ec2:RevokeSecurityGroupIngress"}, "*"),
			allow([]string{"sns:Publish"}, arns[1]),
		}
	}, ipSet.Arn, alerts.Arn))
	if err != nil {
		return err
	}

	chatbotFn, err := fns.create("chatbot", 60, withEnv(pulumi.StringMap{
		"CLEAN_LOG_BUCKET":  trainingBucket.Bucket,
		"LOG_KEY":           pulumi.String("input/final_output.csv"),
		"MODEL_ID":          pulumi.String(configOr(ctx, "darktracer:modelId", "anthropic.claude-v2")),
		"MODEL_PROVIDER":    pulumi.String(configOr(ctx, "darktracer:modelProvider", "bedrock")),
		"OPENAI_SECRET_ARN": openaiSecret.Arn,
	}), policyJSON(ctx, func(arns []string) []iam.GetPolicyDocumentStatement {
		return []iam.GetPolicyDocumentStatement{
			allow([]string{"s3:GetObject"}, arns[0]+"/*"),
			allow([]string{"bedrock:InvokeModel"}, "*"),
			allow([]string{"secretsmanager:GetSecretValue"}, arns[1]),
		}
	}, trainingBucket.Arn, openaiSecret.Arn))
	if err != nil {
		return err
	}

	inspectorFn, err := fns.create("object_inspector", 30, withEnv(pulumi.StringMap{
		"INGEST_TABLE": ingestTable.Name,
	}), policyJSON(ctx, func(arns []string) []iam.GetPolicyDocumentStatement {
		return []iam.GetPolicyDocumentStatement{
			allow([]string{"s3:GetObject"}, arns[0]+"/*"),
			allow([]string{"dynamodb:PutItem"}, arns[1]),
		}
	}, logsBucket.Arn, ingestTable.Arn))
	if err != nil {
		return err
	}

	schedules := []struct {
		key  string
		expr string
		fn   *lambda.Function
	}{
		{"harvest", "rate(30 minutes)", harvestFn},
		{"normalize", "cron(0 2 * * ? *)", normalizeFn},
		{"unload", "cron(0 3 * * ? *)", unloadFn},
	}
	for _, s := range schedules {
		rule, err := cloudwatch.NewEventRule(ctx, name(s.key+"-schedule"), &cloudwatch.EventRuleArgs{
			ScheduleExpression: pulumi.String(s.expr),
		}, awsOpts)
		if err != nil {
			return err
		}
		_, err = cloudwatch.NewEventTarget(ctx, name(s.key+"-target"), &cloudwatch.EventTargetArgs{
			Rule: rule.Name,
			Arn:  s.fn.Arn,
		}, awsOpts)
		if err != nil {
			return err
		}
		_, err = lambda.NewPermission(ctx, name(s.key+"-events-perm"), &lambda.PermissionArgs{
			Action:    pulumi.String("lambda:InvokeFunction"),
			Function:  s.fn.Name,
			Principal: pulumi.String("events.amazonaws.com"),
			SourceArn: rule.Arn,
		}, awsOpts)
		if err != nil {
			return err
		}
	}

	// Honeypot events stream straight into the responder.
	logsPerm, err := lambda.NewPermission(ctx, name("responder-logs-perm"), &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  responderFn.Name,
		Principal: pulumi.String("logs.amazonaws.com"),
		SourceArn: honeypotLogs.Arn.ApplyT(func(arn string) string { return arn + ":*" }).(pulumi.StringOutput),
	}, awsOpts)
	if err != nil {
		return err
	}
	_, err = cloudwatch.NewLogSubscriptionFilter(ctx, name("responder-subscription"), &cloudwatch.LogSubscriptionFilterArgs{
		LogGroup:       honeypotLogs.Name,
		FilterPattern:  pulumi.String(""),
		DestinationArn: responderFn.Arn,
	}, awsOpts, pulumi.DependsOn([]pulumi.Resource{logsPerm}))
	if err != nil {
		return err
	}

	inspectorPerm, err := lambda.NewPermission(ctx, name("inspector-perm"), &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  inspectorFn.Name,
		Principal: pulumi.String("s3.amazonaws.com"),
		SourceArn: logsBucket.Arn,
	}, awsOpts)
	if err != nil {
		return err
	}
	_, err = s3.NewBucketNotification(ctx, name("logs-notify"), &s3.BucketNotificationArgs{
		Bucket: logsBucket.ID(),
		LambdaFunctions: s3.BucketNotificationLambdaFunctionArray{
			&s3.BucketNotificationLambdaFunctionArgs{
				LambdaFunctionArn: inspectorFn.Arn,
				Events:            pulumi.ToStringArray([]string{"s3:ObjectCreated:*"}),
				FilterPrefix:      pulumi.String("honeypot/"),
			},
		},
	}, awsOpts, pulumi.DependsOn([]pulumi.Resource{inspectorPerm}))
	if err != nil {
		return err
	}

	ctx.Export("logsBucket", logsBucket.Bucket)
	ctx.Export("trainingBucket", trainingBucket.Bucket)
	ctx.Export("trainRepositoryUrl", repo.RepositoryUrl)
	ctx.Export("ipSetId", ipSet.ID())
	ctx.Export("alertTopicArn", alerts.Arn)
	ctx.Export("ingestTable", ingestTable.Name)
	ctx.Export("athenaDatabase", glueDb.Name)
	ctx.Export("chatbotLambda", chatbotFn.Name)
	ctx.Export("region", aws.GetRegionOutput(ctx, aws.GetRegionOutputArgs{}).Name())
	return nil
}

func configOr(ctx *pulumi.Context, key, def string) string {
	if v, ok := ctx.GetConfig(key); ok && v != "" {
		return v
	}
	return def
}

func privateBucket(ctx *pulumi.Context, bucketName string, opts ...pulumi.ResourceOption) (*s3.Bucket, error) {
	bucket, err := s3.NewBucket(ctx, bucketName, &s3.BucketArgs{
		Bucket: pulumi.String(bucketName),
	}, opts...)
	if err != nil {
		return nil, err
	}
	_, err = s3.NewBucketPublicAccessBlock(ctx, bucketName+"-pab", &s3.BucketPublicAccessBlockArgs{
		Bucket:                bucket.ID(),
		BlockPublicAcls:       pulumi.Bool(true),
		BlockPublicPolicy:     pulumi.Bool(true),
		IgnorePublicAcls:      pulumi.Bool(true),
		RestrictPublicBuckets: pulumi.Bool(true),
	}, opts...)
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

func allow(actions []string, resources ...string) iam.GetPolicyDocumentStatement {
	return iam.GetPolicyDocumentStatement{
		Effect:    pulumi.StringRef("Allow"),
		Actions:   actions,
		Resources: resources,
	}
}

// policyJSON renders an inline policy once every ARN in arns is known.
func policyJSON(ctx *pulumi.Context, build func(arns []string) []iam.GetPolicyDocumentStatement, arns ...pulumi.StringOutput) pulumi.StringOutput {
	inputs := make([]interface{}, len(arns))
	for i, a := range arns {
		inputs[i] = a
	}
	return pulumi.All(inputs...).ApplyT(func(vals []interface{}) (string, error) {
		resolved := make([]string, len(vals))
		for i, v := range vals {
			resolved[i] = v.(string)
		}
		doc, err := iam.GetPolicyDocument(ctx, &iam.GetPolicyDocumentArgs{Statements: build(resolved)}, nil)
		if err != nil {
			return "", err
		}
		return doc.Json, nil
	}).(pulumi.StringOutput)
}

type functionFactory struct {
	ctx        *pulumi.Context
	assumeRole string
	name       func(string) string
	opts       []pulumi.ResourceOption
}

// create provisions a role with basic execution rights plus policy and the
// arm64 function built to ../dist/<handler>.zip.
func (f functionFactory) create(handler string, timeout int, env pulumi.StringMap, policy pulumi.StringOutput) (*lambda.Function, error) {
	role, err := iam.NewRole(f.ctx, f.name(handler+"-role"), &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(f.assumeRole),
	}, f.opts...)
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicyAttachment(f.ctx, f.name(handler+"-basic"), &iam.RolePolicyAttachmentArgs{
		Role:      role.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"),
	}, f.opts...)
	if err != nil {
		return nil, err
	}
	_, err = iam.NewRolePolicy(f.ctx, f.name(handler+"-policy"), &iam.RolePolicyArgs{
		Role:   role.ID(),
		Policy: policy,
	}, f.opts...)
	if err != nil {
		return nil, err
	}
	return lambda.NewFunction(f.ctx, f.name(handler), &lambda.FunctionArgs{
		Role:          role.Arn,
		Runtime:       pulumi.String("provided.al2"),
		Handler:       pulumi.String("bootstrap"),
		Architectures: pulumi.ToStringArray([]string{"arm64"}),
		Code:          pulumi.NewFileArchive(fmt.Sprintf("../dist/%s.zip", handler)),
		Timeout:       pulumi.Int(timeout),
		MemorySize:    pulumi.Int(512),
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: env,
		},
	}, f.opts...)
}
