package documents

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	putter := &fakePutter{}
	st, err := NewS3Store(putter, "docs", "https://cdn.example.com/files")
	require.NoError(t, err)

	url, err := st.Put(context.Background(), "orders/o-1/tax-invoice/inv.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/files/orders/o-1/tax-invoice/inv.pdf", url)
	assert.Equal(t, "docs", aws.ToString(putter.in.Bucket))
	assert.Equal(t, "orders/o-1/tax-invoice/inv.pdf", aws.ToString(putter.in.Key))
	assert.Equal(t, "application/pdf", aws.ToString(putter.in.ContentType))
	assert.Equal(t, []byte("%PDF"), putter.body)
}

func TestS3Store_PutError(t *testing.T) {
	st, err := NewS3Store(&fakePutter{err: errors.New("access denied")}, "docs", "https://cdn.example.com")
	require.NoError(t, err)

	_, err = st.Put(context.Background(), "k", "text/plain", nil)
	assert.ErrorContains(t, err, "access denied")
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore("mem://docs")
	url, err := st.Put(context.Background(), "a/b.pdf", "application/pdf", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "mem://docs/a/b.pdf", url)

	b, ok := st.Get("a/b.pdf")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), b)
}
