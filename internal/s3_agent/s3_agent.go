package s3_agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// BucketChecker tells whether a bucket is reachable with a set of credentials.
type BucketChecker interface {
	BucketExists(name string) (bool, error)
}

// Factory builds a BucketChecker from credentials read out of a request's secret.
type Factory func(accessKey, secretKey string) (BucketChecker, error)

// S3Agent wraps the s3.S3 structure to allow for wrapper methods
type S3Agent struct {
	Client *s3.S3
}

var _ BucketChecker = &S3Agent{}

func NewS3Agent(accessKey, secretKey, endpoint, region string, debug bool) (*S3Agent, error) {
	logLevel := aws.LogOff
	if debug {
		logLevel = aws.LogDebug
	}
	client := http.Client{
		Timeout: time.Second * 15,
	}
	sess, err := session.NewSession(
		aws.NewConfig().
			WithRegion(region).
			WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, "")).
			WithEndpoint(endpoint).
			WithS3ForcePathStyle(true).
			WithMaxRetries(5).
			WithHTTPClient(&client).
			WithLogLevel(logLevel),
	)
	if err != nil {
		return nil, err
	}
	svc := s3.New(sess)
	return &S3Agent{
		Client: svc,
	}, nil
}

// NewFactory returns a Factory bound to an endpoint and region.
func NewFactory(endpoint, region string) Factory {
	return func(accessKey, secretKey string) (BucketChecker, error) {
		return NewS3Agent(accessKey, secretKey, endpoint, region, false)
	}
}

func (s *S3Agent) BucketExists(name string) (bool, error) {
	_, err := s.Client.HeadBucket(&s3.HeadBucketInput{
		Bucket: aws.String(name),
	})
	if err == nil {
		return true, nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket, "NotFound":
			return false, nil
		}
	}
	return false, err
}
