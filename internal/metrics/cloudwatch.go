package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"derivflow/logger"
)

// cloudWatchAPI is the part of the CloudWatch client used for publishing.
type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type cloudWatchState struct {
	client    cloudWatchAPI
	namespace string
}

var (
	cwMu      sync.Mutex
	cwHandler MetricHandlerID
)

const publishTimeout = 5 * time.Second

// InitCloudWatch registers a handler publishing emitted metrics to CloudWatch. When the
// AWS configuration cannot be loaded publishing stays disabled and the error
// is returned for the caller to log.
func InitCloudWatch(ctx context.Context, region, namespace string) error {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return err
	}
	setCloudWatchClient(cloudwatch.NewFromConfig(cfg), namespace)

	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    cfg.Region,
		"namespace": namespace,
	}).Info("initialized CloudWatch client")
	return nil
}

// setCloudWatchClient swaps the publishing handler. A nil client disables publishing.
func setCloudWatchClient(client cloudWatchAPI, namespace string) {
	if namespace == "" {
		namespace = "Derivflow"
	}

	cwMu.Lock()
	defer cwMu.Unlock()
	UnregisterMetricHandler(cwHandler)
	cwHandler = 0
	if client == nil {
		return
	}
	state := &cloudWatchState{client: client, namespace: namespace}
	cwHandler = RegisterMetricHandler(state.publish)
}

// EmitMetric logs a metric and dispatches it to the registered handlers.
func EmitMetric(log *logger.Log, component, name string, value float64, metricType string, fields logger.Fields) {
	recordMetric(log, component, name, value, metricType, fields)
}

func (s *cloudWatchState) publish(m Metric) {
	unit := cwtypes.StandardUnitCount
	if raw, ok := m.Fields["unit"].(string); ok {
		unit = metricUnitFromString(raw)
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if k == "unit" {
			continue
		}
		if str, ok := v.(string); ok && str != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(str)})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(s.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(m.Name),
			Dimensions: dims,
			Timestamp:  aws.Time(m.Timestamp),
			Unit:       unit,
			Value:      aws.Float64(m.Value),
		}},
	})
	if err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metric")
	}
}

func metricUnitFromString(unit string) cwtypes.StandardUnit {
	switch strings.ToLower(unit) {
	case "seconds":
		return cwtypes.StandardUnitSeconds
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds
	case "percent":
		return cwtypes.StandardUnitPercent
	default:
		return cwtypes.StandardUnitCount
	}
}
