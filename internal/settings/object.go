package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"goyais/toolhost/internal/agentcore/safety"
)

const defaultTrustObject = "toolhost/trust.json"

type ObjectOptions struct {
	Endpoint  string
	Bucket    string
	Object    string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// ObjectStore keeps every decision in one JSON object of an S3 compatible
// bucket. A missing object is an empty set. Writes are read-modify-write and
// are only serialized within this process.
type ObjectStore struct {
	client *minio.Client
	bucket string
	object string

	mu sync.Mutex
}

func OpenObjectStore(opts ObjectOptions) (*ObjectStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	object := opts.Object
	if object == "" {
		object = defaultTrustObject
	}
	return &ObjectStore{client: client, bucket: opts.Bucket, object: object}, nil
}

func (s *ObjectStore) Load(ctx context.Context) ([]safety.TrustDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]safety.TrustDecision, 0, len(byTool))
	for _, decision := range byTool {
		out = append(out, decision)
	}
	return sortDecisions(out), nil
}

func (s *ObjectStore) Save(ctx context.Context, decision safety.TrustDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool, err := s.read(ctx)
	if err != nil {
		return err
	}
	byTool[decision.Tool] = decision
	return s.write(ctx, byTool)
}

func (s *ObjectStore) Delete(ctx context.Context, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool, err := s.read(ctx)
	if err != nil {
		return err
	}
	if _, ok := byTool[tool]; !ok {
		return noDecision(tool)
	}
	delete(byTool, tool)
	return s.write(ctx, byTool)
}

func (s *ObjectStore) Close() error { return nil }

func (s *ObjectStore) read(ctx context.Context) (map[string]safety.TrustDecision, error) {
	byTool := map[string]safety.TrustDecision{}
	obj, err := s.client.GetObject(ctx, s.bucket, s.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.object, err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return byTool, nil
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.object, err)
	}
	var decisions []safety.TrustDecision
	if err := json.Unmarshal(raw, &decisions); err != nil {
		return nil, fmt.Errorf("decode s3://%s/%s: %w", s.bucket, s.object, err)
	}
	for _, decision := range decisions {
		byTool[decision.Tool] = decision
	}
	return byTool, nil
}

func (s *ObjectStore) write(ctx context.Context, byTool map[string]safety.TrustDecision) error {
	decisions := make([]safety.TrustDecision, 0, len(byTool))
	for _, decision := range byTool {
		decisions = append(decisions, decision)
	}
	raw, err := json.MarshalIndent(sortDecisions(decisions), "", "  ")
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.object, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.object, err)
	}
	return nil
}
