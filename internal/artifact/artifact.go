package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cochaviz/imagecheck/internal/failures"
)

// BootMode is the firmware interface an image is registered for.
type BootMode string

const (
	BootModeUEFI          BootMode = "uefi"
	BootModeUEFIPreferred BootMode = "uefi-preferred"
	BootModeLegacy        BootMode = "legacy"
	BootModeUnknown       BootMode = "unknown"
)

// ParseBootMode maps the cloud's spelling onto a BootMode. Empty and
// unrecognised values are BootModeUnknown.
func ParseBootMode(value string) BootMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "uefi":
		return BootModeUEFI
	case "uefi-preferred":
		return BootModeUEFIPreferred
	case "legacy", "legacy-bios", "bios":
		return BootModeLegacy
	default:
		return BootModeUnknown
	}
}

// ImageArtifact identifies the cloud image a finished compose produced.
type ImageArtifact struct {
	ImageID    string   `json:"image_id"`
	SnapshotID string   `json:"snapshot_id"`
	BootMode   BootMode `json:"boot_mode"`
}

// Resources returns the cloud resource ids owned by the artifact.
func (a ImageArtifact) Resources() []string {
	var ids []string
	if a.ImageID != "" {
		ids = append(ids, a.ImageID)
	}
	if a.SnapshotID != "" {
		ids = append(ids, a.SnapshotID)
	}
	return ids
}

type imageDocument struct {
	ImageID             string `json:"ImageId"`
	Name                string `json:"Name"`
	BootMode            string `json:"BootMode"`
	BlockDeviceMappings []struct {
		DeviceName string `json:"DeviceName"`
		Ebs        *struct {
			SnapshotID string `json:"SnapshotId"`
		} `json:"Ebs"`
	} `json:"BlockDeviceMappings"`
}

type describeImagesDocument struct {
	Images []imageDocument `json:"Images"`
}

// Extract decodes a describe-images document, or a single image object, and
// returns the artifact it describes. A missing image or snapshot id is
// failures.ErrMalformedMetadata; a missing boot mode is BootModeUnknown.
func Extract(data []byte) (ImageArtifact, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ImageArtifact{}, failures.Malformed("empty image metadata")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return ImageArtifact{}, failures.Malformed("decode image metadata: %v", err)
	}

	var image imageDocument
	if _, ok := probe["Images"]; ok {
		var doc describeImagesDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return ImageArtifact{}, failures.Malformed("decode image list: %v", err)
		}
		switch len(doc.Images) {
		case 0:
			return ImageArtifact{}, failures.Malformed("no images in metadata")
		case 1:
			image = doc.Images[0]
		default:
			return ImageArtifact{}, failures.Malformed("expected exactly one image, got %d", len(doc.Images))
		}
	} else if err := json.Unmarshal(data, &image); err != nil {
		return ImageArtifact{}, failures.Malformed("decode image: %v", err)
	}

	return fromDocument(image)
}

// ResourceIDs lists every image and EBS snapshot id present in a
// describe-images document or single image object without enforcing the
// checks Extract applies. Undecodable input yields no ids.
func ResourceIDs(data []byte) (images, snapshots []string) {
	var doc describeImagesDocument
	if err := json.Unmarshal(bytes.TrimSpace(data), &doc); err != nil {
		return nil, nil
	}
	if len(doc.Images) == 0 {
		var image imageDocument
		if err := json.Unmarshal(bytes.TrimSpace(data), &image); err != nil {
			return nil, nil
		}
		doc.Images = []imageDocument{image}
	}

	for _, image := range doc.Images {
		if id := strings.TrimSpace(image.ImageID); id != "" {
			images = append(images, id)
		}
		for _, mapping := range image.BlockDeviceMappings {
			if mapping.Ebs == nil {
				continue
			}
			if id := strings.TrimSpace(mapping.Ebs.SnapshotID); id != "" {
				snapshots = append(snapshots, id)
			}
		}
	}
	return images, snapshots
}

func fromDocument(image imageDocument) (ImageArtifact, error) {
	imageID := strings.TrimSpace(image.ImageID)
	if imageID == "" {
		return ImageArtifact{}, failures.Malformed("image metadata has no ImageId")
	}

	var snapshotID string
	for _, mapping := range image.BlockDeviceMappings {
		if mapping.Ebs == nil {
			continue
		}
		if id := strings.TrimSpace(mapping.Ebs.SnapshotID); id != "" {
			snapshotID = id
			break
		}
	}
	if snapshotID == "" {
		return ImageArtifact{}, failures.Malformed("image %s has no EBS snapshot", imageID)
	}

	return ImageArtifact{
		ImageID:    imageID,
		SnapshotID: snapshotID,
		BootMode:   ParseBootMode(image.BootMode),
	}, nil
}

func (a ImageArtifact) String() string {
	return fmt.Sprintf("%s (snapshot %s, boot mode %s)", a.ImageID, a.SnapshotID, a.BootMode)
}
