// Package userdata ingests user-supplied dataset metadata into the search
// index and the document store, and purges it again.
package userdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"freva/internal/databrowser"
	"freva/internal/logging"
	"freva/internal/solr"
)

// ErrNoValidMetadata is returned when no record of a batch carries the
// required fields. Handlers map it to 422.
var ErrNoValidMetadata = errors.New("no valid metadata found in the input")

// requiredFields must be present in every ingested record.
var requiredFields = []string{"file", "variable", "time", "time_frequency"}

// batchSize bounds one index update round trip.
const batchSize = 150

// MetadataStore mirrors the user data in a secondary document store.
type MetadataStore interface {
	UpsertUserData(ctx context.Context, batch []map[string]any) error
	DeleteUserData(ctx context.Context, keys map[string]string) error
}

// Ingestor validates, deduplicates and ingests user metadata. User
// records always live in the latest-version core, tagged with the owning
// user so regular searches can exclude them.
type Ingestor struct {
	client *solr.Client
	core   string
	store  MetadataStore
	logger *slog.Logger
}

// New builds an ingestor writing to the given core. store may be nil to
// skip document-store mirroring.
func New(client *solr.Client, core string, store MetadataStore, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		client: client,
		core:   core,
		store:  store,
		logger: logging.Default(logger).With("component", "userdata"),
	}
}

// validate drops records missing required fields and sets uri from file.
func (in *Ingestor) validate(metadata []map[string]any) ([]map[string]any, error) {
	var valid []map[string]any
records:
	for _, record := range metadata {
		for _, field := range requiredFields {
			if _, ok := record[field]; !ok {
				in.logger.Warn("invalid metadata record, missing required field", "field", field)
				continue records
			}
		}
		record["uri"] = record["file"]
		valid = append(valid, record)
	}
	if len(valid) == 0 {
		return nil, ErrNoValidMetadata
	}
	return valid, nil
}

// normalize merges the forced facets into a record and lowercases every
// facet value except the file and uri columns.
func normalize(record map[string]any, forced map[string]string) map[string]any {
	out := make(map[string]any, len(record)+len(forced))
	for key, value := range record {
		out[key] = value
	}
	for key, value := range forced {
		out[key] = value
	}
	for key, value := range out {
		if key == "file" || key == "uri" {
			continue
		}
		if s, ok := value.(string); ok {
			out[key] = strings.ToLower(s)
		}
	}
	return out
}

// isDuplicate asks the index whether a record with this uri or file path
// already exists.
func (in *Ingestor) isDuplicate(ctx context.Context, uri, file string) (bool, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf(`uri:"%s" OR file:"%s"`,
		databrowser.EscapeQuoted(uri), databrowser.EscapeQuoted(file)))
	params.Set("fl", "id")
	params.Set("rows", "1")
	params.Set("wt", "json")
	resp, err := in.client.Select(ctx, in.core, params)
	if err != nil {
		return false, err
	}
	return resp.Response.NumFound > 0, nil
}

// fingerprint keys a record for in-batch deduplication.
func fingerprint(record map[string]any) string {
	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%v;", key, record[key])
	}
	return b.String()
}

// Add ingests the metadata records for a user. Extra facets are forced
// onto every record next to the user tag and filesystem type. The
// returned message summarizes how many records were ingested and how many
// were dropped as duplicates.
func (in *Ingestor) Add(ctx context.Context, userName string, metadata []map[string]any, facets map[string]string) (string, error) {
	valid, err := in.validate(metadata)
	if err != nil {
		return "", err
	}
	forced := map[string]string{"user": userName, "fs_type": "posix"}
	for key, value := range facets {
		forced[key] = value
	}

	var ingested, duplicated int
	for start := 0; start < len(valid); start += batchSize {
		end := min(start+batchSize, len(valid))
		var batch []map[string]any
		seen := map[string]bool{}
		for _, record := range valid[start:end] {
			record = normalize(record, forced)
			fp := fingerprint(record)
			if seen[fp] {
				duplicated++
				continue
			}
			seen[fp] = true
			uri, _ := record["uri"].(string)
			file, _ := record["file"].(string)
			dup, err := in.isDuplicate(ctx, uri, file)
			if err != nil {
				return "", fmt.Errorf("duplicate check: %w", err)
			}
			if dup {
				duplicated++
				continue
			}
			batch = append(batch, record)
		}
		if len(batch) == 0 {
			continue
		}
		docs := make([]solr.Document, len(batch))
		for i, record := range batch {
			docs[i] = solr.Document(record)
		}
		if err := in.client.Update(ctx, in.core, docs); err != nil {
			return "", fmt.Errorf("ingest metadata: %w", err)
		}
		ingested += len(batch)
		if in.store != nil {
			if err := in.store.UpsertUserData(ctx, batch); err != nil {
				in.logger.Warn("could not mirror user data", "error", err)
			}
		}
	}

	in.logger.Info("ingested user metadata", "user", userName,
		"ingested", ingested, "duplicated", duplicated)
	if ingested == 0 {
		return fmt.Sprintf(
			"No data was added to the databrowser. %d files were duplicates and not added.",
			duplicated), nil
	}
	return fmt.Sprintf(
		"%d have been successfully added to the databrowser. %d files were duplicates and not added.",
		ingested, duplicated), nil
}

// deleteQuery compiles the search keys into the index delete query. File
// paths keep their case, every other value is matched lowercased.
func deleteQuery(keys map[string]string) string {
	names := make([]string, 0, len(keys))
	for key := range keys {
		names = append(names, key)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, key := range names {
		value := keys[key]
		lower := strings.ToLower(key)
		if lower != "file" {
			value = strings.ToLower(value)
		}
		parts = append(parts, lower+":"+databrowser.Escape(value))
	}
	return strings.Join(parts, " AND ")
}

// Delete purges a user's records matching the search keys from the index
// and the document store. The user tag is always part of the match so
// nobody can delete foreign records.
func (in *Ingestor) Delete(ctx context.Context, userName string, keys map[string]string) error {
	merged := make(map[string]string, len(keys)+1)
	for key, value := range keys {
		merged[key] = value
	}
	merged["user"] = userName

	if err := in.client.DeleteByQuery(ctx, in.core, deleteQuery(merged)); err != nil {
		return fmt.Errorf("delete user metadata: %w", err)
	}
	if in.store != nil {
		if err := in.store.DeleteUserData(ctx, merged); err != nil {
			in.logger.Warn("could not delete mirrored user data", "error", err)
		}
	}
	in.logger.Info("deleted user metadata", "user", userName, "keys", keys)
	return nil
}
