package diffplan

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otacompose/engine/internal/fileblob"
)

type fixedComputer struct{ patch []byte }

func (f fixedComputer) ComputePatch(context.Context, []byte, []byte) ([]byte, error) {
	return f.patch, nil
}

func TestPlan_VerbatimWhenAbsentFromSource(t *testing.T) {
	targets := map[string]*fileblob.Blob{
		"bin/new": fileblob.New("bin/new", []byte("hello")),
	}
	res, err := Plan(context.Background(), targets, nil, NewConfig())
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, Verbatim, res.Decisions[0].Kind)
}

func TestPlan_UnchangedWhenHashesMatch(t *testing.T) {
	data := []byte("same bytes")
	targets := map[string]*fileblob.Blob{"a": fileblob.New("a", data)}
	sources := map[string]*fileblob.Blob{"a": fileblob.New("a", data)}
	res, err := Plan(context.Background(), targets, sources, NewConfig())
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Decisions[0].Kind)
}

func TestPlan_DemotesOversizedPatchToVerbatim(t *testing.T) {
	target := bytes.Repeat([]byte("t"), 100)
	source := bytes.Repeat([]byte("s"), 100)
	targets := map[string]*fileblob.Blob{"a": fileblob.New("a", target)}
	sources := map[string]*fileblob.Blob{"a": fileblob.New("a", source)}

	cfg := NewConfig(WithPatchComputer(fixedComputer{patch: bytes.Repeat([]byte("p"), 96)}))
	res, err := Plan(context.Background(), targets, sources, cfg)
	require.NoError(t, err)
	assert.Equal(t, Verbatim, res.Decisions[0].Kind)
	assert.Nil(t, res.Decisions[0].Source)
}

func TestPlan_AdmitsPatchUnderThreshold(t *testing.T) {
	target := bytes.Repeat([]byte("t"), 100)
	source := bytes.Repeat([]byte("s"), 100)
	targets := map[string]*fileblob.Blob{"a": fileblob.New("a", target)}
	sources := map[string]*fileblob.Blob{"a": fileblob.New("a", source)}

	cfg := NewConfig(WithPatchComputer(fixedComputer{patch: bytes.Repeat([]byte("p"), 10)}))
	res, err := Plan(context.Background(), targets, sources, cfg)
	require.NoError(t, err)
	assert.Equal(t, Patched, res.Decisions[0].Kind)
	assert.Equal(t, int64(100), res.LargestSourceSize)
}

func TestPlan_ProhibitVerbatimConflict(t *testing.T) {
	targets := map[string]*fileblob.Blob{"a": fileblob.New("a", []byte("x"))}
	cfg := NewConfig(WithProhibitVerbatim([]string{"a"}))
	_, err := Plan(context.Background(), targets, nil, cfg)
	require.Error(t, err)
	var conflict *ErrConfigConflict
	require.ErrorAs(t, err, &conflict)
}
