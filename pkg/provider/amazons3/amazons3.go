// Package amazons3 adapts S3-compatible object stores to the provider
// engine through the AWS SDK. Item ids are object keys; directory ids end
// with "/" and the bucket root is the empty key.
package amazons3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

const pageLimit = 1000

// blob is the credential format delivered through the consent flow; the
// field names follow the generic login page layout.
type blob struct {
	Username string `json:"username"` // access key id
	Password string `json:"password"` // secret access key
	Bucket   string `json:"bucket"`
	Endpoint string `json:"endpoint"`
}

// Adapter implements provider.Adapter for amazons3 via the AWS SDK.
type Adapter struct {
	mu      sync.Mutex
	creds   blob
	region  string
	client  *s3.Client
	presign *s3.PresignClient
}

// New creates an S3 adapter. The region hint seeds signing until bucket
// location discovery runs under the authorize barrier.
func New(hints cloud.Hints) *Adapter {
	return &Adapter{region: hints.Get("region", "us-east-1")}
}

func (a *Adapter) Name() string { return "amazons3" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (a *Adapter) Supports(op provider.Op) bool {
	switch op {
	case provider.OpExchangeCode, provider.OpGetItemURL, provider.OpListDirectoryPage,
		provider.OpGetItemData, provider.OpDownloadFile, provider.OpUploadFile,
		provider.OpDeleteItem, provider.OpCreateDirectory, provider.OpMoveItem,
		provider.OpRenameItem, provider.OpGeneralData:
		return true
	}
	return false
}

// Reauthorize treats redirects and forbidden statuses as auth-invalidating;
// S3 answers both when the region or the credentials are stale.
func (a *Adapter) Reauthorize(code int, _ http.Header) bool {
	a.mu.Lock()
	incomplete := a.creds.Username == "" || a.creds.Password == "" || a.creds.Bucket == ""
	a.mu.Unlock()
	return provider.DefaultReauthorize(code) ||
		code == cloud.CodeForbidden || code == cloud.CodePermanentRedirect || incomplete
}

func (a *Adapter) IsSuccess(code int, _ http.Header) bool {
	return code != cloud.CodePermanentRedirect && cloud.IsSuccess(code)
}

// BuildRequest and ParseResponse are unused: the adapter is Direct.
func (a *Adapter) BuildRequest(provider.Op, provider.Args, cloud.Token) (*transport.Request, io.Reader, error) {
	return nil, nil, cloud.ErrOperationNotSupported
}

func (a *Adapter) ParseResponse(provider.Op, provider.Args, []byte, http.Header) (*provider.Result, error) {
	return nil, cloud.ErrOperationNotSupported
}

// ─── Credentials ────────────────────────────────────────────────────────────

// UnpackCredentials implements provider.CredentialUnpacker.
func (a *Adapter) UnpackCredentials(code string) error {
	var b blob
	if err := json.Unmarshal([]byte(code), &b); err != nil {
		return fmt.Errorf("parse s3 credentials: %w", err)
	}
	a.mu.Lock()
	a.creds = b
	a.client = nil
	a.presign = nil
	a.mu.Unlock()
	return nil
}

// Credentials implements provider.CredentialUnpacker.
func (a *Adapter) Credentials() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, _ := json.Marshal(a.creds)
	return string(data)
}

// Validate discovers the bucket region and primes the client.
func (a *Adapter) Validate(ctx context.Context) error {
	client, _, bucket, err := a.s3(ctx)
	if err != nil {
		return err
	}
	loc, err := client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return mapError(err)
	}
	region := string(loc.LocationConstraint)
	if region == "" {
		region = "us-east-1"
	}
	a.mu.Lock()
	if region != a.region {
		a.region = region
		a.client = nil
		a.presign = nil
	}
	a.mu.Unlock()
	return nil
}

// s3 returns the lazily built clients and bucket.
func (a *Adapter) s3(ctx context.Context) (*s3.Client, *s3.PresignClient, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds.Username == "" || a.creds.Bucket == "" {
		return nil, nil, "", cloud.NewError(cloud.CodeUnauthorized, "s3 credentials not set")
	}
	if a.client == nil {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(a.region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(a.creds.Username, a.creds.Password, ""),
			),
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, "", fmt.Errorf("load aws config: %w", err)
		}
		endpoint := a.creds.Endpoint
		a.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		a.presign = s3.NewPresignClient(a.client)
	}
	return a.client, a.presign, a.creds.Bucket, nil
}

// ─── Direct operations ──────────────────────────────────────────────────────

// Do implements provider.Direct.
func (a *Adapter) Do(ctx context.Context, op provider.Op, args provider.Args, sink io.Writer) (*provider.Result, error) {
	client, presign, bucket, err := a.s3(ctx)
	if err != nil {
		return nil, err
	}
	switch op {
	case provider.OpListDirectoryPage:
		return a.listPage(ctx, client, bucket, args.Item.ID, args.PageToken)

	case provider.OpGetItemData:
		return a.stat(ctx, client, bucket, args.ID)

	case provider.OpGetItemURL:
		req, err := presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(args.Item.ID),
		}, s3.WithPresignExpires(24*time.Hour))
		if err != nil {
			return nil, mapError(err)
		}
		return &provider.Result{URL: req.URL}, nil

	case provider.OpDownloadFile:
		input := &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(args.Item.ID),
		}
		if args.Range != (cloud.Range{Start: 0, Size: cloud.FullRange}) {
			input.Range = aws.String(args.Range.Header())
		}
		out, err := client.GetObject(ctx, input)
		if err != nil {
			return nil, mapError(err)
		}
		defer out.Body.Close()
		if _, err := io.Copy(sink, out.Body); err != nil {
			return nil, mapError(err)
		}
		return &provider.Result{}, nil

	case provider.OpUploadFile:
		key := args.Parent.ID + args.Name
		body, err := args.Upload.Open()
		if err != nil {
			return nil, mapError(err)
		}
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(args.Upload.Size),
		})
		if err != nil {
			return nil, mapError(err)
		}
		return &provider.Result{Item: cloud.Item{
			ID:        key,
			Filename:  args.Name,
			Size:      args.Upload.Size,
			Timestamp: time.Now(),
			Type:      provider.ItemTypeFromName(args.Name),
		}}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, a.deleteTree(ctx, client, bucket, args.Item)

	case provider.OpCreateDirectory:
		key := args.Parent.ID + args.Name + "/"
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          strings.NewReader(""),
			ContentLength: aws.Int64(0),
		})
		if err != nil {
			return nil, mapError(err)
		}
		return &provider.Result{Item: cloud.Item{
			ID:       key,
			Filename: args.Name,
			Size:     cloud.UnknownSize,
			Type:     cloud.ItemDirectory,
		}}, nil

	case provider.OpMoveItem:
		dst := args.Destination.ID + args.Item.Filename
		if args.Item.IsDirectory() {
			dst += "/"
		}
		return a.moveTree(ctx, client, bucket, args.Item, dst)

	case provider.OpRenameItem:
		dir := path.Dir(strings.TrimSuffix(args.Item.ID, "/"))
		prefix := ""
		if dir != "." && dir != "/" {
			prefix = dir + "/"
		}
		dst := prefix + args.Name
		if args.Item.IsDirectory() {
			dst += "/"
		}
		return a.moveTree(ctx, client, bucket, args.Item, dst)

	case provider.OpGeneralData:
		a.mu.Lock()
		general := cloud.GeneralData{
			Username:   a.creds.Bucket,
			SpaceUsed:  cloud.UnknownSize,
			SpaceTotal: cloud.UnknownSize,
		}
		a.mu.Unlock()
		return &provider.Result{General: general}, nil
	}
	return nil, cloud.ErrOperationNotSupported
}

func (a *Adapter) listPage(ctx context.Context, client *s3.Client, bucket, prefix, token string) (*provider.Result, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(pageLimit),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}
	out, err := client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}

	res := &provider.Result{}
	for _, cp := range out.CommonPrefixes {
		key := aws.ToString(cp.Prefix)
		res.Items = append(res.Items, cloud.Item{
			ID:       key,
			Filename: path.Base(strings.TrimSuffix(key, "/")),
			Size:     cloud.UnknownSize,
			Type:     cloud.ItemDirectory,
		})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			continue // the directory marker itself
		}
		res.Items = append(res.Items, objectItem(key, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified)))
	}
	if aws.ToBool(out.IsTruncated) {
		res.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return res, nil
}

func objectItem(key string, size int64, modified time.Time) cloud.Item {
	return cloud.Item{
		ID:        key,
		Filename:  path.Base(key),
		Size:      size,
		Timestamp: modified,
		Type:      provider.ItemTypeFromName(key),
	}
}

func (a *Adapter) stat(ctx context.Context, client *s3.Client, bucket, id string) (*provider.Result, error) {
	if id == "" || strings.HasSuffix(id, "/") {
		name := "/"
		if id != "" {
			name = path.Base(strings.TrimSuffix(id, "/"))
		}
		return &provider.Result{Item: cloud.Item{
			ID: id, Filename: name, Size: cloud.UnknownSize, Type: cloud.ItemDirectory,
		}}, nil
	}
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &provider.Result{
		Item: objectItem(id, aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified)),
	}, nil
}

// deleteTree removes item; directories delete every descendant key first,
// one wire call per subitem.
func (a *Adapter) deleteTree(ctx context.Context, client *s3.Client, bucket string, item cloud.Item) error {
	lister := func(ctx context.Context, dir cloud.Item) ([]cloud.Item, error) {
		return a.listAll(ctx, client, bucket, dir.ID)
	}
	return provider.Recursive(ctx, lister, item, func(ctx context.Context, it cloud.Item) error {
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(it.ID),
		})
		return mapError(err)
	})
}

// moveTree copies item (and any descendants) under dst, deleting sources.
func (a *Adapter) moveTree(ctx context.Context, client *s3.Client, bucket string, item cloud.Item, dst string) (*provider.Result, error) {
	srcPrefix := item.ID
	lister := func(ctx context.Context, dir cloud.Item) ([]cloud.Item, error) {
		return a.listAll(ctx, client, bucket, dir.ID)
	}
	err := provider.Recursive(ctx, lister, item, func(ctx context.Context, it cloud.Item) error {
		target := dst + strings.TrimPrefix(it.ID, srcPrefix)
		if !it.IsDirectory() {
			_, err := client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(bucket),
				Key:        aws.String(target),
				CopySource: aws.String(bucket + "/" + it.ID),
			})
			if err != nil {
				return mapError(err)
			}
		} else if target != "" {
			_, err := client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(bucket),
				Key:           aws.String(target),
				Body:          strings.NewReader(""),
				ContentLength: aws.Int64(0),
			})
			if err != nil {
				return mapError(err)
			}
		}
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(it.ID),
		})
		return mapError(err)
	})
	if err != nil {
		return nil, err
	}
	moved := item
	moved.ID = dst
	moved.Filename = path.Base(strings.TrimSuffix(dst, "/"))
	return &provider.Result{Item: moved}, nil
}

// listAll drains every page of one directory level.
func (a *Adapter) listAll(ctx context.Context, client *s3.Client, bucket, prefix string) ([]cloud.Item, error) {
	var items []cloud.Item
	token := ""
	for {
		res, err := a.listPage(ctx, client, bucket, prefix, token)
		if err != nil {
			return nil, err
		}
		items = append(items, res.Items...)
		if res.NextToken == "" {
			return items, nil
		}
		token = res.NextToken
	}
}

// mapError converts SDK failures into the engine's error vocabulary so the
// re-authorization policy sees the HTTP status.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return cloud.ErrAborted
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return cloud.NewError(cloud.CodeNotFound, "no such key")
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return cloud.NewError(respErr.HTTPStatusCode(), "%v", err)
	}
	return cloud.NewError(cloud.CodeFailure, "%v", err)
}
