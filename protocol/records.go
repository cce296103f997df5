package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"lanshare/models"
)

const (
	// RecordSeparator joins file records inside one payload. Raw newlines are
	// reserved for line termination.
	RecordSeparator = "<NL>"
	fieldSeparator  = "\t"
)

var fieldSanitizer = strings.NewReplacer(
	"\t", " ",
	"\r", " ",
	"\n", " ",
	RecordSeparator, "<nl>",
)

// EncodeFileRecord renders one catalog entry as name\trelative_path\tsize.
func EncodeFileRecord(file models.SharedFile) string {
	return strings.Join([]string{
		sanitizeField(file.Name),
		sanitizeField(file.RelativePath),
		strconv.FormatInt(file.Size, 10),
	}, fieldSeparator)
}

// DecodeFileRecord parses one name\trelative_path\tsize record.
func DecodeFileRecord(record string) (models.SharedFile, error) {
	parts := strings.Split(record, fieldSeparator)
	if len(parts) != 3 {
		return models.SharedFile{}, fmt.Errorf("%w: file record has %d fields", ErrMalformedLine, len(parts))
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || size < 0 {
		return models.SharedFile{}, fmt.Errorf("%w: invalid file size %q", ErrMalformedLine, parts[2])
	}
	return models.SharedFile{Name: parts[0], RelativePath: parts[1], Size: size}, nil
}

// EncodeFileRecords joins records with RecordSeparator.
func EncodeFileRecords(files []models.SharedFile) string {
	records := make([]string, 0, len(files))
	for _, file := range files {
		records = append(records, EncodeFileRecord(file))
	}
	return strings.Join(records, RecordSeparator)
}

// DecodeFileRecords splits a LIST_FILES_RESPONSE payload. An empty payload
// yields an empty list.
func DecodeFileRecords(payload string) ([]models.SharedFile, error) {
	files := make([]models.SharedFile, 0)
	if payload == "" {
		return files, nil
	}
	for _, record := range strings.Split(payload, RecordSeparator) {
		if record == "" {
			continue
		}
		file, err := DecodeFileRecord(record)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

func sanitizeField(value string) string {
	return fieldSanitizer.Replace(value)
}
