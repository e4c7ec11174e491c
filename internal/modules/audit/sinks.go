package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/segmentio/kafka-go"

	"github.com/aristath/adpilot/internal/domain"
)

// Sink receives exported audit records. Publish must be idempotent per record:
// after a crash the streamer resends everything past the saved cursor.
type Sink interface {
	Name() string
	Publish(ctx context.Context, recs []domain.AuditRecord) error
}

// MessageWriter is the subset of kafka.Writer the Kafka sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink produces one message per record, keyed by change ID so a change's
// records stay ordered within a partition
type KafkaSink struct {
	writer MessageWriter
	codec  Codec
}

// NewKafkaSink creates a synchronous hash-balanced writer for topic
func NewKafkaSink(brokers []string, topic string, codec Codec) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
	}
	return NewKafkaSinkWithWriter(w, codec), nil
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(w MessageWriter, codec Codec) *KafkaSink {
	return &KafkaSink{writer: w, codec: codec}
}

// Name identifies the sink's cursor
func (k *KafkaSink) Name() string { return "kafka" }

// Publish writes recs in one batch
func (k *KafkaSink) Publish(ctx context.Context, recs []domain.AuditRecord) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for i := range recs {
		value, err := k.codec.Encode(&recs[i])
		if err != nil {
			return fmt.Errorf("encode record %s: %w", recs[i].ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(recs[i].ChangeID),
			Value: value,
			Time:  recs[i].CreatedAt,
			Headers: []kafka.Header{
				{Key: "content-type", Value: []byte(k.codec.ContentType())},
			},
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// Close shuts the writer down
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// Uploader is the subset of manager.Uploader the S3 sink uses
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink archives each record as one object under
// <prefix>/audit/YYYY/MM/DD/<record id>.<ext>
type S3Sink struct {
	uploader Uploader
	bucket   string
	prefix   string
	codec    Codec
}

// NewS3Sink builds an uploader from the default AWS credential chain
func NewS3Sink(ctx context.Context, bucket, prefix string, codec Codec) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3: bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3SinkWithUploader(manager.NewUploader(s3.NewFromConfig(cfg)), bucket, prefix, codec), nil
}

// NewS3SinkWithUploader wraps an existing uploader
func NewS3SinkWithUploader(u Uploader, bucket, prefix string, codec Codec) *S3Sink {
	return &S3Sink{uploader: u, bucket: bucket, prefix: prefix, codec: codec}
}

// Name identifies the sink's cursor
func (s *S3Sink) Name() string { return "s3" }

// ObjectKey returns where a record is archived
func (s *S3Sink) ObjectKey(rec *domain.AuditRecord) string {
	ts := rec.CreatedAt.UTC()
	year, month, day := ts.Date()
	return path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.%s", rec.ID, s.codec.Extension()),
	)
}

// Publish uploads recs one object at a time, stopping at the first failure
func (s *S3Sink) Publish(ctx context.Context, recs []domain.AuditRecord) error {
	for i := range recs {
		body, err := s.codec.Encode(&recs[i])
		if err != nil {
			return fmt.Errorf("encode record %s: %w", recs[i].ID, err)
		}
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(s.bucket),
			Key:                  aws.String(s.ObjectKey(&recs[i])),
			Body:                 bytes.NewReader(body),
			ContentType:          aws.String(s.codec.ContentType()),
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
		if err != nil {
			return fmt.Errorf("s3 upload %s: %w", recs[i].ID, err)
		}
	}
	return nil
}
