package archive

import (
	"compress/flate"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/gradescan/internal/model"
)

func samplePages() []model.PageImage {
	return []model.PageImage{
		{Index: 0, Name: "page_0001.png", Data: []byte("first page bytes")},
		{Index: 1, Name: "page_0002.png", Data: []byte("second page bytes")},
		{Index: 2, Name: "page_0003.png", Data: []byte("third page bytes")},
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	data, err := Pack(samplePages(), "sheet", flate.BestSpeed)
	require.NoError(t, err)

	pages, err := Unpack(data)
	require.NoError(t, err)
	require.Len(t, pages, 3)

	for i, p := range pages {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, samplePages()[i].Name, p.Name)
		assert.Equal(t, samplePages()[i].Data, p.Data)
	}
}

func TestPackNoBaseName(t *testing.T) {
	data, err := Pack(samplePages(), "", flate.DefaultCompression)
	require.NoError(t, err)

	pages, err := Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, "page_0001.png", pages[0].Name)
}

func TestPackEmpty(t *testing.T) {
	_, err := Pack(nil, "sheet", flate.BestSpeed)
	assert.Error(t, err)
}

func TestPackBadLevelFallsBack(t *testing.T) {
	data, err := Pack(samplePages(), "sheet", 42)
	require.NoError(t, err)

	pages, err := Unpack(data)
	require.NoError(t, err)
	assert.Len(t, pages, 3)
}

func TestUnpackRestoresOrderFromNames(t *testing.T) {
	// Entries written out of order still come back in page order.
	shuffled := []model.PageImage{
		{Name: "page_0003.png", Data: []byte("c")},
		{Name: "page_0001.png", Data: []byte("a")},
		{Name: "page_0002.png", Data: []byte("b")},
	}
	data, err := Pack(shuffled, "", flate.BestSpeed)
	require.NoError(t, err)

	pages, err := Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, "page_0001.png", pages[0].Name)
	assert.Equal(t, []byte("a"), pages[0].Data)
	assert.Equal(t, "page_0003.png", pages[2].Name)
}

func TestUnpackInvalid(t *testing.T) {
	_, err := Unpack([]byte("definitely not a zip"))
	assert.Error(t, err)
}
