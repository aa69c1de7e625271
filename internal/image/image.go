// Package image resolves machine image names to image ids.
package image

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"regexp"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/launchpad/internal/awsclient"
)

// ErrImageNotFound is returned when no image matches the name and visibility.
var ErrImageNotFound = errors.New("image not found")

// Ref identifies an image by name (or literal id) and visibility.
type Ref struct {
	Name     string
	IsPublic bool
}

// String renders the reference the way it is reported to users.
func (r Ref) String() string {
	return fmt.Sprintf("Image with name: %s and is-public: %s", r.Name, strconv.FormatBool(r.IsPublic))
}

// imageID matches EC2 image ids, old (8 hex digits) and new (17).
var imageID = regexp.MustCompile(`^ami-([0-9a-f]{8}|[0-9a-f]{17})$`)

// IsID reports whether the reference is already an image id. Names that
// only look like ids, such as "ami-web", are looked up.
func (r Ref) IsID() bool {
	return imageID.MatchString(r.Name)
}

// Resolver looks up image ids.
type Resolver struct {
	api awsclient.ImageAPI
}

// NewResolver creates a Resolver.
func NewResolver(api awsclient.ImageAPI) *Resolver {
	return &Resolver{api: api}
}

// Resolve returns the image id for ref. Literal ids are returned unchanged
// without a remote call; the launch call rejects ids that do not exist.
// When several images share a name the newest one wins.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	if ref.IsID() {
		return ref.Name, nil
	}

	out, err := r.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{ref.Name}},
			{Name: aws.String("is-public"), Values: []string{strconv.FormatBool(ref.IsPublic)}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe images: %w", err)
	}

	images := out.Images
	if len(images) == 0 {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}

	// CreationDate is ISO 8601, so lexical order is chronological
	sort.SliceStable(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})

	return aws.ToString(images[0].ImageId), nil
}
