package chunkplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		fileSize  int64
		chunkSize int64
		wantTotal int
		wantErr   bool
	}{
		{name: "exact multiple", fileSize: 12, chunkSize: 4, wantTotal: 3},
		{name: "short last chunk", fileSize: 13, chunkSize: 4, wantTotal: 4},
		{name: "single byte", fileSize: 1, chunkSize: 4, wantTotal: 1},
		{name: "chunk larger than file", fileSize: 3, chunkSize: DefaultChunkSize, wantTotal: 1},
		{name: "six MiB chunks of twenty million bytes", fileSize: 20_000_000, chunkSize: 6_291_456, wantTotal: 4},
		{name: "zero file size", fileSize: 0, chunkSize: 4, wantErr: true},
		{name: "negative chunk size", fileSize: 10, chunkSize: -1, wantErr: true},
		{name: "zero chunk size", fileSize: 10, chunkSize: 0, wantErr: true},
		{name: "chunk size above maximum block", fileSize: 10, chunkSize: MaxChunkSize + 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := New(tt.fileSize, tt.chunkSize)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, plan.TotalChunks)
		})
	}
}

func TestPlan_RangesCoverFile(t *testing.T) {
	for fileSize := int64(1); fileSize <= 64; fileSize++ {
		for chunkSize := int64(1); chunkSize <= 17; chunkSize++ {
			plan, err := New(fileSize, chunkSize)
			require.NoError(t, err)

			expectedTotal := int((fileSize + chunkSize - 1) / chunkSize)
			require.Equal(t, expectedTotal, plan.TotalChunks)

			next := int64(0)
			for i := 0; i < plan.TotalChunks; i++ {
				r, err := plan.Range(i)
				require.NoError(t, err)
				require.Equal(t, next, r.Start, "gap or overlap at chunk %d (file=%d chunk=%d)", i, fileSize, chunkSize)
				require.Greater(t, r.Size(), int64(0))
				require.LessOrEqual(t, r.Size(), chunkSize)
				next = r.End
			}
			require.Equal(t, fileSize, next)
			require.Equal(t, plan.LastChunkSize(), fileSize-int64(plan.TotalChunks-1)*chunkSize)
		}
	}
}

func TestPlan_LastChunkOfLargeFile(t *testing.T) {
	plan, err := New(20_000_000, 6_291_456)
	require.NoError(t, err)

	last, err := plan.Range(3)
	require.NoError(t, err)
	assert.Equal(t, int64(1_124_632), last.Size())
	assert.Equal(t, int64(1_124_632), plan.LastChunkSize())

	_, err = plan.Range(4)
	require.Error(t, err)
	_, err = plan.Range(-1)
	require.Error(t, err)
}

func TestPlan_PendingAndBytes(t *testing.T) {
	plan, err := New(10, 4)
	require.NoError(t, err)

	completed := map[int]struct{}{0: {}, 2: {}}
	assert.Equal(t, []int{1}, plan.Pending(completed))
	assert.Equal(t, []int{0, 1, 2}, plan.Pending(nil))

	assert.Equal(t, int64(0), plan.BytesTransferred(0))
	assert.Equal(t, int64(8), plan.BytesTransferred(2))
	assert.Equal(t, int64(10), plan.BytesTransferred(3))

	assert.Equal(t, []int{0, 2}, SortedIndices(completed))
}
