package utils

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
)

// maxUploadBytes bounds multipart boundary uploads.
const maxUploadBytes = 64 << 20

type MultipartResult struct {
	File       string
	Properties Properties
}

type Properties struct {
	Region     string
	Resolution int
	// FeatureCollection is an inline GeoJSON payload sent as a form value.
	FeatureCollection string
}

// ReadBoundaryRequest extracts a GeoJSON payload and grid parameters from r.
// Multipart requests may send the payload as the fileKey part or as the
// featureCollection value; any other content type is read as a raw body.
// resolution falls back to the query string.
func ReadBoundaryRequest(r *http.Request, fileKey string) (MultipartResult, error) {
	result := MultipartResult{}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var err error
		result, err = ReadMultiPartForm(r, fileKey)
		if err != nil {
			return result, err
		}
	} else {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			return result, fmt.Errorf("reading request body: %w", err)
		}
		result.File = string(body)
	}

	if result.File == "" {
		result.File = result.Properties.FeatureCollection
	}
	if result.File == "" {
		return result, fmt.Errorf("no boundary payload found")
	}

	if q := r.URL.Query().Get("resolution"); q != "" {
		res, err := strconv.Atoi(q)
		if err != nil {
			return result, fmt.Errorf("resolution %q is not an integer", q)
		}
		result.Properties.Resolution = res
	}
	if q := r.URL.Query().Get("region"); q != "" {
		result.Properties.Region = q
	}
	return result, nil
}

func ReadMultiPartForm(r *http.Request, fileKey string) (MultipartResult, error) {
	result := MultipartResult{}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return result, fmt.Errorf("parsing multipart form: %w", err)
	}

	var fileHeader *multipart.FileHeader
	if headers := r.MultipartForm.File[fileKey]; len(headers) > 0 {
		fileHeader = headers[0]
	}

	for key, value := range r.MultipartForm.Value {
		if len(value) == 0 {
			continue
		}
		switch key {
		case "region":
			result.Properties.Region = value[0]
		case "resolution":
			res, err := strconv.Atoi(value[0])
			if err != nil {
				return result, fmt.Errorf("resolution %q is not an integer", value[0])
			}
			result.Properties.Resolution = res
		case "featureCollection":
			result.Properties.FeatureCollection = value[0]
		}
	}

	if fileHeader != nil {
		file, err := fileHeader.Open()
		if err != nil {
			return result, fmt.Errorf("opening %s: %w", fileKey, err)
		}
		defer file.Close()

		fullFile, err := io.ReadAll(file)
		if err != nil {
			return result, fmt.Errorf("reading %s: %w", fileKey, err)
		}
		result.File = string(fullFile)
	}

	return result, nil
}
