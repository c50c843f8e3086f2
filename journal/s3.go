package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// S3Journal stores settlement entries as JSON objects in an S3 or
// S3-compatible bucket. Entries are private; credentials are required.
type S3Journal struct {
	client      s3iface.S3API
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Journal creates a journal in bucketName under prefix. When accessKey
// and secretKey are empty the default AWS credential chain is used.
func NewS3Journal(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Journal, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newS3Journal(s3.New(sess), bucketName, prefix, uri, log), nil
}

func newS3Journal(client s3iface.S3API, bucketName, prefix, uri string, log *slog.Logger) *S3Journal {
	return &S3Journal{
		client:      client,
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}
}

func (j *S3Journal) Record(ctx context.Context, entry *interfaces.JournalEntry) error {
	key, err := j.objectKey(entry.Result.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	start := time.Now()
	_, err = j.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload journal entry to S3: %w", err)
	}

	j.log.Debug("Recorded settlement in S3 journal",
		slog.String("bucket", j.bucketName),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *S3Journal) Lookup(ctx context.Context, id string) (*interfaces.JournalEntry, error) {
	key, err := j.objectKey(id)
	if err != nil {
		return nil, err
	}

	result, err := j.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(j.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && (awsErr.Code() == s3.ErrCodeNoSuchKey || awsErr.Code() == "NotFound") {
			return nil, interfaces.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get journal entry from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal entry body: %w", err)
	}

	var entry interfaces.JournalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode journal entry %s: %w", id, err)
	}
	return &entry, nil
}

// Available checks if the bucket is accessible.
func (j *S3Journal) Available(ctx context.Context) bool {
	_, err := j.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(j.bucketName),
	})
	if err != nil {
		j.log.Warn("S3 journal unavailable", slog.String("bucket", j.bucketName), "err", err)
		return false
	}
	return true
}

func (j *S3Journal) Name() string {
	return fmt.Sprintf("s3-%s", j.bucketName)
}

func (j *S3Journal) LocationURI() string {
	return j.locationURI
}

func (j *S3Journal) objectKey(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return path.Join(j.prefix, "settlements", id+".json"), nil
}
