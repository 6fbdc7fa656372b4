package offsite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/sirupsen/logrus"
)

// glacierAccount is the account id meaning "the credentials' own account".
const glacierAccount = "-"

type glacierClient interface {
	InitiateMultipartUpload(ctx context.Context, params *glacier.InitiateMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.InitiateMultipartUploadOutput, error)
	UploadMultipartPart(ctx context.Context, params *glacier.UploadMultipartPartInput, optFns ...func(*glacier.Options)) (*glacier.UploadMultipartPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *glacier.CompleteMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *glacier.AbortMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.AbortMultipartUploadOutput, error)
	DeleteArchive(ctx context.Context, params *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

// GlacierSink uploads each backup as one archive. Glacier only hands out
// archive ids, so every upload is recorded in a CSV file of
// description,archive-id,created-at rows; expiry works from that file.
type GlacierSink struct {
	Vault string
	// ChunkSize must be 1 MiB times a power of two.
	ChunkSize   int64
	ArchiveList string

	client glacierClient
	log    logrus.FieldLogger
	now    func() time.Time
}

func (s *GlacierSink) Name() string { return "glacier " + s.Vault }

// Push implements Sink with a multipart upload. A failed upload is aborted
// so no partial archive is left behind.
func (s *GlacierSink) Push(ctx context.Context, r io.Reader, description string) error {
	init, err := s.client.InitiateMultipartUpload(ctx, &glacier.InitiateMultipartUploadInput{
		AccountId:          aws.String(glacierAccount),
		VaultName:          aws.String(s.Vault),
		ArchiveDescription: aws.String(description),
		PartSize:           aws.String(strconv.FormatInt(s.ChunkSize, 10)),
	})
	if err != nil {
		return fmt.Errorf("starting upload to vault %s: %w", s.Vault, err)
	}
	uploadID := init.UploadId

	archiveID, err := s.upload(ctx, r, uploadID)
	if err != nil {
		if _, aerr := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &glacier.AbortMultipartUploadInput{
			AccountId: aws.String(glacierAccount),
			VaultName: aws.String(s.Vault),
			UploadId:  uploadID,
		}); aerr != nil {
			s.log.Warnf("could not abort upload %s: %v", aws.ToString(uploadID), aerr)
		}
		return err
	}

	s.log.Infof("Glacier archive: %s", description)
	s.log.Infof("Glacier archive ID: %s", archiveID)
	if err := s.record(archiveRecord{Description: description, ArchiveID: archiveID, CreatedAt: s.now().UTC()}); err != nil {
		// The archive exists in the vault but will never be expired.
		s.log.Errorf("archive %s (%s) was uploaded to vault %s but could not be recorded in %s: %v",
			archiveID, description, s.Vault, s.ArchiveList, err)
		return err
	}
	return nil
}

func (s *GlacierSink) upload(ctx context.Context, r io.Reader, uploadID *string) (string, error) {
	buf := make([]byte, s.ChunkSize)
	var (
		offset int64
		leaves [][sha256.Size]byte
	)
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading upload stream: %w", err)
		}
		if n == 0 {
			break
		}
		part := buf[:n]
		partLeaves := leafHashes(part)
		leaves = append(leaves, partLeaves...)
		if _, err := s.client.UploadMultipartPart(ctx, &glacier.UploadMultipartPartInput{
			AccountId: aws.String(glacierAccount),
			VaultName: aws.String(s.Vault),
			UploadId:  uploadID,
			Range:     aws.String(fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(n)-1)),
			Checksum:  aws.String(hexHash(treeHash(partLeaves))),
			Body:      bytes.NewReader(part),
		}); err != nil {
			return "", fmt.Errorf("uploading part at offset %d: %w", offset, err)
		}
		offset += int64(n)
		if n < len(buf) {
			break
		}
	}
	if offset == 0 {
		return "", errors.New("nothing to upload")
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &glacier.CompleteMultipartUploadInput{
		AccountId:   aws.String(glacierAccount),
		VaultName:   aws.String(s.Vault),
		UploadId:    uploadID,
		ArchiveSize: aws.String(strconv.FormatInt(offset, 10)),
		Checksum:    aws.String(hexHash(treeHash(leaves))),
	})
	if err != nil {
		return "", fmt.Errorf("completing upload: %w", err)
	}
	return aws.ToString(out.ArchiveId), nil
}

type archiveRecord struct {
	Description string
	ArchiveID   string
	// CreatedAt is zero for records written without a timestamp; those
	// are never expired.
	CreatedAt time.Time
}

func (r archiveRecord) row() []string {
	row := []string{r.Description, r.ArchiveID}
	if !r.CreatedAt.IsZero() {
		row = append(row, r.CreatedAt.Format(time.RFC3339))
	}
	return row
}

func (s *GlacierSink) record(rec archiveRecord) error {
	f, err := os.OpenFile(s.ArchiveList, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("recording archive %s: %w", rec.ArchiveID, err)
	}
	w := csv.NewWriter(f)
	w.Write(rec.row())
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("recording archive %s: %w", rec.ArchiveID, err)
	}
	return f.Close()
}

func readArchiveList(path string) ([]archiveRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]archiveRecord, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%s: line %d: expected description and archive id", path, i+1)
		}
		rec := archiveRecord{Description: row[0], ArchiveID: row[1]}
		if len(row) > 2 && row[2] != "" {
			t, err := time.Parse(time.RFC3339, row[2])
			if err != nil {
				return nil, fmt.Errorf("%s: line %d: %w", path, i+1, err)
			}
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, nil
}

func writeArchiveList(path string, recs []archiveRecord) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	w := csv.NewWriter(tmp)
	for _, rec := range recs {
		w.Write(rec.row())
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// RemoveExpired implements Sink. Deleted archives are dropped from the
// archive list; records whose deletion failed are kept for the next run.
func (s *GlacierSink) RemoveExpired(ctx context.Context, olderThan time.Time) error {
	recs, err := readArchiveList(s.ArchiveList)
	if err != nil {
		return err
	}
	var (
		keep []archiveRecord
		errs []error
	)
	announced := false
	for _, rec := range recs {
		if rec.CreatedAt.IsZero() || !rec.CreatedAt.Before(olderThan) {
			keep = append(keep, rec)
			continue
		}
		if !announced {
			s.log.Infof("== Removing backups older than %s", olderThan.Format(time.DateOnly))
			announced = true
		}
		s.log.Infof("-> %s (%s)", rec.Description, rec.ArchiveID)
		if _, err := s.client.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
			AccountId: aws.String(glacierAccount),
			VaultName: aws.String(s.Vault),
			ArchiveId: aws.String(rec.ArchiveID),
		}); err != nil {
			errs = append(errs, fmt.Errorf("deleting archive %s: %w", rec.ArchiveID, err))
			keep = append(keep, rec)
		}
	}
	if len(keep) != len(recs) {
		if err := writeArchiveList(s.ArchiveList, keep); err != nil {
			errs = append(errs, fmt.Errorf("rewriting %s: %w", s.ArchiveList, err))
		}
	}
	return errors.Join(errs...)
}
