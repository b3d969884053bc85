package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionName(t *testing.T) {
	s := &Store{prefix: "user_"}
	assert.Equal(t, "user_42", s.CollectionName("42"))
}

func TestBuildFilter(t *testing.T) {
	assert.Nil(t, buildFilter(nil))
	assert.Nil(t, buildFilter(&Filter{}))

	f := buildFilter(&Filter{DocumentID: "d1", Category: "bio"})
	require.NotNil(t, f)
	assert.Len(t, f.Must, 2)

	f = buildFilter(&Filter{DocumentType: "application/pdf"})
	require.NotNil(t, f)
	assert.Len(t, f.Must, 1)
}
