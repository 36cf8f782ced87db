package manifestcache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := &Error{Code: CodeEntryNotFound, Language: English, Hash: 9999, Table: "DestinyInventoryItemDefinition"}

	require.ErrorIs(t, err, ErrEntryNotFound)
	require.NotErrorIs(t, err, ErrInvalidDefinition)
	require.NotErrorIs(t, err, ErrManifestUnavailable)
	require.NotErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestErrorWrapped(t *testing.T) {
	inner := &Error{Code: CodeManifestUnavailable, Language: French, Err: context.DeadlineExceeded}
	wrapped := fmt.Errorf("decoding: %w", inner)

	require.ErrorIs(t, wrapped, ErrManifestUnavailable)
	require.ErrorIs(t, wrapped, context.DeadlineExceeded)
	require.Equal(t, CodeManifestUnavailable, CodeOf(wrapped))
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Code: CodeUnsupportedLanguage, Language: "de"}, `unsupported language: "de"`},
		{&Error{Code: CodeInvalidDefinition, Table: "NoSuchTable"}, `invalid definition: "NoSuchTable"`},
		{&Error{Code: CodeEntryNotFound, Language: English, Hash: 9999, Table: "WeaponDef"}, `no entry found with id 9999 in WeaponDef (language "en")`},
		{&Error{Code: CodeManifestUnavailable, Language: Japanese, Err: errors.New("error code 5")}, `manifest unavailable for language "ja": error code 5`},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			require.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestCodeOfNonManifestError(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(errors.New("boom")))
	require.Equal(t, Code(""), CodeOf(nil))
}
