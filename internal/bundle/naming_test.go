package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/trunov/converthub/internal/entities"
)

func desc(name, format string) entities.ConversionDescriptor {
	return entities.ConversionDescriptor{AssetID: "a", TargetFormat: format, DisplayName: name}
}

func TestPlanEntryNames_Deterministic(t *testing.T) {
	descs := []entities.ConversionDescriptor{
		desc("photo.jpg", "png"),
		desc("photo.jpg", "png"),
		desc("other.webp", "png"),
	}

	first := PlanEntryNames(descs)
	second := PlanEntryNames(descs)
	assert.Equal(t, first, second, "planning must be repeatable")
	assert.Equal(t, []string{"photo.png", "photo_1.png", "other.png"}, first)
}

func TestPlanEntryNames_Fallbacks(t *testing.T) {
	descs := []entities.ConversionDescriptor{
		desc("", "png"),
		desc(".gif", "jpg"),
		desc("archive.tar.gz", "webp"),
	}

	names := PlanEntryNames(descs)
	assert.Equal(t, "file_1.png", names[0])
	assert.Equal(t, "file_2.jpg", names[1], "bare extension leaves no usable base")
	assert.Equal(t, "archive.tar.webp", names[2])
}

func TestPlanEntryNames_RepeatedCollisions(t *testing.T) {
	descs := []entities.ConversionDescriptor{
		desc("x.jpg", "png"),
		desc("x.jpg", "png"),
		desc("x.jpg", "png"),
		desc("x.png", "png"),
	}

	names := PlanEntryNames(descs)
	assert.Equal(t, []string{"x.png", "x_1.png", "x_2.png", "x_3.png"}, names)

	unique := map[string]struct{}{}
	for _, n := range names {
		unique[n] = struct{}{}
	}
	assert.Len(t, unique, len(names), "entry names must be unique")
}

func TestPlanEntryNames_SuffixedInputDoesNotCollide(t *testing.T) {
	// An input already named like a collision suffix must not be duplicated
	// by the suffix generated for a genuine collision.
	descs := []entities.ConversionDescriptor{
		desc("photo_1.jpg", "png"),
		desc("photo.jpg", "png"),
		desc("photo.jpg", "png"),
	}

	names := PlanEntryNames(descs)
	assert.Equal(t, []string{"photo_1.png", "photo.png", "photo_2.png"}, names)

	unique := map[string]struct{}{}
	for _, n := range names {
		unique[n] = struct{}{}
	}
	assert.Len(t, unique, len(names), "entry names must be unique")
}

func TestPlanEntryNames_FormatLowercased(t *testing.T) {
	names := PlanEntryNames([]entities.ConversionDescriptor{desc("Pic.BMP", "TIFF")})
	assert.Equal(t, []string{"Pic.tiff"}, names)
}
