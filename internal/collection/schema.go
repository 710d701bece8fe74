package collection

const schema = `
CREATE TABLE IF NOT EXISTS collection_md (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bands (
	id     INTEGER PRIMARY KEY,
	name   TEXT NOT NULL UNIQUE,
	type   TEXT,
	"offset" REAL NOT NULL DEFAULT 0,
	scale  REAL NOT NULL DEFAULT 1,
	unit   TEXT,
	nodata TEXT
);
CREATE TABLE IF NOT EXISTS images (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL,
	"left"   REAL NOT NULL,
	"top"    REAL NOT NULL,
	"bottom" REAL NOT NULL,
	"right"  REAL NOT NULL,
	datetime TEXT NOT NULL,
	proj     TEXT
);
CREATE TABLE IF NOT EXISTS gdalrefs (
	image_id   INTEGER NOT NULL REFERENCES images(id),
	band_id    INTEGER NOT NULL REFERENCES bands(id),
	descriptor TEXT NOT NULL,
	band_num   INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (image_id, band_id)
);
CREATE INDEX IF NOT EXISTS idx_images_datetime ON images(datetime);
CREATE INDEX IF NOT EXISTS idx_images_bbox ON images("left", "right", "bottom", "top");
CREATE INDEX IF NOT EXISTS idx_images_name ON images(name);
`

// Metadata keys of collection_md.
const (
	mdFormatName    = "format_name"
	mdFormatVersion = "format_version"
	mdFormatJSON    = "format_json"
	mdCreated       = "created"
	mdDatetimeUnit  = "datetime_unit"
	mdSchemaVersion = "schema_version"
)

const schemaVersion = "1"

// footprintSRS is the SRS image footprints are stored in.
const footprintSRS = "EPSG:4326"

// datetimeLayout stores datetimes as fixed-width UTC strings so that
// lexicographic order is chronological order.
const datetimeLayout = "2006-01-02T15:04:05"
