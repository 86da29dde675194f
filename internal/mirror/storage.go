package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	conf "github.com/trunov/converthub/internal/config"
)

var ErrQueueFull = errors.New("mirror queue is full")

// The asset store is the source of truth for conversions; the mirror keeps a
// durable copy of originals in R2 in case an asset has to be re-uploaded.
// Mirroring is best-effort and fully asynchronous.
type uploadReq struct {
	ctx      context.Context
	key      string
	fileType string
	payload  []byte
}

type Storage struct {
	AccountID          string
	Bucket             string
	Region             string // usually "auto" for R2
	AwsAccessKeyId     string
	AwsSecretAccessKey string

	Workers        int
	QueueSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration

	queue chan uploadReq
	wg    sync.WaitGroup

	S3Client *s3.Client
	Uploader *manager.Uploader
}

func NewStorage(cfg *conf.MirrorConfig) (*Storage, error) {
	m := &Storage{
		AccountID:          cfg.AccountID,
		Bucket:             cfg.BucketName,
		Region:             "auto",
		AwsAccessKeyId:     cfg.AccessKeyID,
		AwsSecretAccessKey: cfg.SecretKey,
		Workers:            8,
		QueueSize:          1000,
		MaxRetries:         3,
		RetryBaseDelay:     300 * time.Millisecond,
	}
	if err := m.Run(); err != nil {
		return nil, err
	}

	return m, nil
}

func (s *Storage) Run() error {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.AwsAccessKeyId, s.AwsSecretAccessKey, "",
		)),
		config.WithRegion(s.Region),
	)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	s.S3Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", s.AccountID))
		o.UsePathStyle = true
	})
	s.Uploader = manager.NewUploader(s.S3Client)

	s.queue = make(chan uploadReq, s.QueueSize)
	for i := 0; i < s.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	log.Println("[mirror] R2 client + worker pool initialized")
	return nil
}

// Close waits for all queued mirror uploads to be processed.
func (s *Storage) Close() {
	close(s.queue)
	s.wg.Wait()
}

// Enqueue tries to put an upload on the queue without blocking.
// If the queue is full, it returns ErrQueueFull immediately.
func (s *Storage) Enqueue(ctx context.Context, key string, fileType string, payload []byte) error {
	req := uploadReq{ctx: ctx, key: key, fileType: fileType, payload: payload}
	select {
	case s.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (s *Storage) worker() {
	defer s.wg.Done()
	for req := range s.queue {
		var err error
		attempt := 0

		for {
			attempt++
			_, err = s.Uploader.Upload(req.ctx, &s3.PutObjectInput{
				Bucket:      aws.String(s.Bucket),
				Key:         aws.String(req.key),
				Body:        bytes.NewReader(req.payload),
				ContentType: aws.String(req.fileType),
			})
			if err == nil {
				break
			}

			// retry?
			if attempt > s.MaxRetries {
				log.Printf("[mirror] giving up on %s after %d attempts: %v", req.key, attempt, err)
				break
			}

			// backoff with jitter
			backoff := s.backoffDelay(attempt)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-req.ctx.Done():
				timer.Stop()
			}
			if req.ctx != nil && req.ctx.Err() != nil {
				break
			}
		}
	}
}

func (s *Storage) backoffDelay(attempt int) time.Duration {
	delay := s.RetryBaseDelay << (attempt - 1)
	jitter := time.Duration(int64(delay) / 10)
	return delay - (jitter / 2) + time.Duration(int64(jitter)*time.Now().UnixNano()%2)
}
