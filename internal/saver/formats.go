package saver

import "strings"

// formatAliases pairs file extensions with the decoder format name they stand
// for when the two differ. Lookups in both directions go through this table.
var formatAliases = []struct {
	extension string
	format    string
}{
	{extension: "jpg", format: "jpeg"},
}

func formatForExtension(ext string) string {
	for _, a := range formatAliases {
		if a.extension == ext {
			return a.format
		}
	}
	return ext
}

func extensionForFormat(format string) string {
	for _, a := range formatAliases {
		if a.format == format {
			return a.extension
		}
	}
	return format
}

// extensionOf returns the text after the last dot of name, or name itself when
// it has no dot.
func extensionOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// baseOf strips the final ".ext" from name.
func baseOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}
