package domain

// ImageSource is the single analysis target of one detection pass: either a
// file on local disk or a remote URI the vision API fetches itself.
type ImageSource struct {
	Path string
	URI  string
}

// LocalFile returns an ImageSource backed by a local file.
func LocalFile(path string) ImageSource { return ImageSource{Path: path} }

// RemoteURI returns an ImageSource referencing a remote image.
func RemoteURI(uri string) ImageSource { return ImageSource{URI: uri} }

// IsLocal reports whether the source is a local file.
func (s ImageSource) IsLocal() bool { return s.Path != "" }

func (s ImageSource) String() string {
	if s.IsLocal() {
		return "file:" + s.Path
	}
	return s.URI
}
