package docstore

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"freva/internal/databrowser"
)

func TestSearchDocument(t *testing.T) {
	now := time.Now()
	doc := searchDocument(databrowser.SearchRecord{
		NumResults:   7,
		Flavour:      databrowser.FlavourCMIP6,
		UniqKey:      "file",
		ServerStatus: 200,
		Date:         now,
		Query:        map[string]string{"project": "cmip6&obs"},
	})

	meta, ok := doc["metadata"].(bson.M)
	if !ok {
		t.Fatalf("metadata = %v", doc["metadata"])
	}
	if meta["num_results"] != int64(7) || meta["flavour"] != "cmip6" || meta["date"] != now {
		t.Errorf("metadata = %v", meta)
	}
	query, ok := doc["query"].(map[string]string)
	if !ok || query["project"] != "cmip6&obs" {
		t.Errorf("query = %v", doc["query"])
	}
}

func TestDeleteFilter(t *testing.T) {
	filter := deleteFilter(map[string]string{
		"file":    "/arch/Tas.NC",
		"project": "CMIP6",
		"user":    "Alice",
	})
	if filter["file"] != "/arch/Tas.NC" {
		t.Errorf("file = %v, case must be preserved", filter["file"])
	}
	if filter["project"] != "cmip6" || filter["user"] != "alice" {
		t.Errorf("filter = %v, values must be lowercased", filter)
	}
}
