package gcp

import (
	"context"
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/structpb"
)

// MeterEndpointPredict is the metering key for prediction endpoint
// invocations.
const MeterEndpointPredict = "classification/aiplatform/predict"

// Endpoint wraps a deployed Vertex AI prediction endpoint serving the
// specialized multimodal page classifier. The model consumes page image and
// raw text references and returns a single predicted type label.
type Endpoint struct {
	client   *aiplatform.PredictionClient
	endpoint string
}

// NewEndpoint creates a prediction client for the given full endpoint
// resource name (projects/.../locations/.../endpoints/...).
func NewEndpoint(ctx context.Context, region, endpointName string) (*Endpoint, error) {
	if endpointName == "" {
		return nil, fmt.Errorf("NewEndpoint: no endpoint specified in classification configuration")
	}
	client, err := aiplatform.NewPredictionClient(ctx,
		option.WithEndpoint(fmt.Sprintf("%s-aiplatform.googleapis.com:443", region)))
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction client: %w", err)
	}
	return &Endpoint{client: client, endpoint: endpointName}, nil
}

// Predict invokes the endpoint for one page. Errors are returned unwrapped
// from gRPC so callers can inspect the status code for retry eligibility.
func (e *Endpoint) Predict(ctx context.Context, imageURI, rawTextURI string) (string, error) {
	instance, err := structpb.NewValue(map[string]any{
		"input_image": imageURI,
		"input_text":  rawTextURI,
		"prompt":      "",
		"debug":       false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build prediction instance: %w", err)
	}

	resp, err := e.client.Predict(ctx, &aiplatformpb.PredictRequest{
		Endpoint:  e.endpoint,
		Instances: []*structpb.Value{instance},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Predictions) == 0 {
		return "", fmt.Errorf("endpoint %s returned no predictions", e.endpoint)
	}

	pred := resp.Predictions[0]
	if s := pred.GetStringValue(); s != "" {
		return s, nil
	}
	if fields := pred.GetStructValue().GetFields(); fields != nil {
		if v, ok := fields["prediction"]; ok {
			return v.GetStringValue(), nil
		}
	}
	return "", fmt.Errorf("endpoint %s returned an unrecognized prediction shape", e.endpoint)
}

// Close releases the underlying client.
func (e *Endpoint) Close() error {
	return e.client.Close()
}
