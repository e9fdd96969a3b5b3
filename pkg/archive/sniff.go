package archive

import "bytes"

var gzipMagic = []byte{0x1f, 0x8b}

// sniffLayerMediaType inspects the first bytes of a layer blob to decide
// between the compressed and uncompressed OCI layer media types. docker save
// archives mix both depending on the Docker version and storage driver that
// produced them (spec.md §4.C edge case: "layer tar may or may not be
// gzip-compressed").
func sniffLayerMediaType(head []byte) string {
	if bytes.HasPrefix(head, gzipMagic) {
		return mediaTypeImageLayerGzip
	}
	return mediaTypeImageLayerTar
}

const (
	mediaTypeImageLayerGzip = "application/vnd.oci.image.layer.v1.tar+gzip"
	mediaTypeImageLayerTar  = "application/vnd.oci.image.layer.v1.tar"
	mediaTypeImageConfig    = "application/vnd.oci.image.config.v1+json"
	mediaTypeImageManifest  = "application/vnd.oci.image.manifest.v1+json"
)
