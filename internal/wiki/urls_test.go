package wiki

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionURLEncodesInPageEncoding(t *testing.T) {
	t.Parallel()

	got, err := ActionURL("https://wiki.example/index.php", "euc-jp",
		Param{Key: "cmd", Value: "source"},
		Param{Key: "page", Value: "ヘルプ"},
	)
	require.NoError(t, err)
	assert.Equal(t, "https://wiki.example/index.php?cmd=source&page=%A5%D8%A5%EB%A5%D7", got)

	got, err = ActionURL("https://wiki.example/", "utf-8", Param{Key: "page", Value: "ヘルプ"})
	require.NoError(t, err)
	assert.Equal(t, "https://wiki.example/?page=%E3%83%98%E3%83%AB%E3%83%97", got)
}

func TestActionURLRejectsUnrepresentable(t *testing.T) {
	t.Parallel()

	_, err := ActionURL("https://wiki.example/", "windows-1252", Param{Key: "page", Value: "ヘルプ"})
	assert.Error(t, err)
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	got, err := PageURL("https://wiki.example/index.php", Page{Title: "Bug Track/1", URLEncoding: "utf-8"})
	require.NoError(t, err)
	assert.Equal(t, "https://wiki.example/index.php?Bug%20Track%2F1", got)
}

func TestIsIgnorableDisabled(t *testing.T) {
	t.Parallel()

	assert.True(t, IsIgnorableDisabled(ErrActionDisabled))
	assert.True(t, IsIgnorableDisabled(ErrTextareaNotFound))
	assert.False(t, IsIgnorableDisabled(ErrListingDisabled))
	assert.False(t, IsIgnorableDisabled(nil))
}

func TestAttachmentKeyIgnoresEncoding(t *testing.T) {
	t.Parallel()

	a := Attachment{Refer: "Top", File: "a.png", Age: 2, URLEncoding: "euc-jp"}
	b := Attachment{Refer: "Top", File: "a.png", Age: 2, URLEncoding: "utf-8"}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "Top/a.png@2", a.String())
}
