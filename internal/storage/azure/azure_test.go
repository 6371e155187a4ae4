package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/objq/internal/storage"
)

func responseError(status int, code string) error {
	return fmt.Errorf("azure call: %w", &azcore.ResponseError{StatusCode: status, ErrorCode: code})
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{Container: "c", AccountKey: "k"},
		{Account: "a", AccountKey: "k"},
		{Account: "a", Container: "c"},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=x" {
		t.Fatalf("url = %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=b", "sig=y")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.HasSuffix(got, "?a=b&sig=y") {
		t.Fatalf("url = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	if !isPreconditionFailed(responseError(http.StatusPreconditionFailed, "ConditionNotMet")) {
		t.Fatalf("412 should be a precondition failure")
	}
	if !isPreconditionFailed(responseError(http.StatusConflict, "BlobAlreadyExists")) {
		t.Fatalf("existing blob should be a precondition failure")
	}
	if !isNotFound(responseError(http.StatusNotFound, "BlobNotFound")) {
		t.Fatalf("blob not found")
	}
	if isNotFound(responseError(http.StatusForbidden, "AuthorizationFailure")) {
		t.Fatalf("403 is not not-found")
	}
	if !isContainerExists(responseError(http.StatusConflict, "ContainerAlreadyExists")) {
		t.Fatalf("container exists")
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{responseError(http.StatusServiceUnavailable, "ServerBusy"), true},
		{responseError(http.StatusTooManyRequests, ""), true},
		{context.DeadlineExceeded, true},
		{responseError(http.StatusForbidden, "AuthorizationFailure"), false},
		{errors.New("plain"), false},
	}
	for i, tc := range cases {
		err := wrapError(tc.err, "azure: op")
		if storage.IsTransient(err) != tc.want {
			t.Fatalf("case %d: transient = %v want %v", i, storage.IsTransient(err), tc.want)
		}
		if !errors.Is(err, tc.err) {
			t.Fatalf("case %d: lost cause", i)
		}
	}
}

func TestAccessConditions(t *testing.T) {
	if accessConditions(storage.PutObjectOptions{}) != nil {
		t.Fatalf("unconditional put should carry no conditions")
	}
	ac := accessConditions(storage.PutObjectOptions{IfNotExists: true})
	if ac == nil || ac.ModifiedAccessConditions.IfNoneMatch == nil || *ac.ModifiedAccessConditions.IfNoneMatch != azcore.ETagAny {
		t.Fatalf("if-not-exists should map to If-None-Match: *")
	}
	ac = accessConditions(storage.PutObjectOptions{IfNotExists: true, ExpectedETag: "0x1"})
	if ac.ModifiedAccessConditions.IfMatch == nil || string(*ac.ModifiedAccessConditions.IfMatch) != "0x1" {
		t.Fatalf("expected etag should take precedence")
	}
	if ac.ModifiedAccessConditions.IfNoneMatch != nil {
		t.Fatalf("if-none-match must be unset with an expected etag")
	}
}

func TestCountingReader(t *testing.T) {
	c := &countingReader{r: strings.NewReader("hello")}
	buf := make([]byte, 2)
	for {
		if _, err := c.Read(buf); err != nil {
			break
		}
	}
	if c.n != 5 {
		t.Fatalf("count = %d", c.n)
	}
}

func TestBlobInfoToleratesMissingProperties(t *testing.T) {
	if info := blobInfo("k", nil, nil, nil, nil); info.Key != "k" || info.ETag != "" || info.Size != 0 || !info.LastModified.IsZero() {
		t.Fatalf("unexpected info %+v", info)
	}
	etag := azcore.ETag("0x8D")
	size := int64(42)
	info := blobInfo("k", &etag, &size, nil, nil)
	if info.ETag != "0x8D" || info.Size != 42 {
		t.Fatalf("unexpected info %+v", info)
	}
}
