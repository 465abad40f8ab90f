package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestEnv holds test environment resources
type TestEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	T      *testing.T
}

// SetupTestDB opens an isolated in-memory sqlite database per test and
// migrates every quote table.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	// 单连接，避免 sqlite 内存库在事务间出现锁冲突
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(entity.All()...); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Operator-ID", "test-operator")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// DoMultipart posts form fields and an optional file under "file"
func DoMultipart(r http.Handler, path string, fields map[string]string, filename string, file []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if file != nil {
		fw, _ := mw.CreateFormFile("file", filename)
		fw.Write(file)
	}
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Operator-ID", "test-operator")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a handler.Response-like map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// Data returns the "data" object of a success envelope
func Data(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	resp := ParseResponse(w)
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %s", w.Body.String())
	}
	return data
}

// SeedClient creates a client with commercial defaults
func SeedClient(t *testing.T, db *gorm.DB, id, code string) *entity.Client {
	t.Helper()
	currency, payment, incoterm, pallet, days := "CAD", "NET30", "FOB", "2 crates", 30
	client := &entity.Client{
		ID:                   id,
		Code:                 code,
		Name:                 "Client " + code,
		DefaultCurrency:      &currency,
		DefaultExchangeRate:  decimal.NewNullDecimal(decimal.RequireFromString("1.35")),
		DefaultPaymentTermID: &payment,
		DefaultIncotermID:    &incoterm,
		DefaultPalletTerms:   &pallet,
		DefaultValidityDays:  &days,
	}
	if err := db.Omit("Contacts").Create(client).Error; err != nil {
		t.Fatalf("Failed to seed client: %v", err)
	}
	return client
}

// SeedContact creates a contact of clientID
func SeedContact(t *testing.T, db *gorm.DB, id, clientID, name string) *entity.Contact {
	t.Helper()
	contact := &entity.Contact{ID: id, ClientID: clientID, Name: name, Email: strings.ToLower(name) + "@example.com"}
	if err := db.Create(contact).Error; err != nil {
		t.Fatalf("Failed to seed contact: %v", err)
	}
	return contact
}

// SeedProject creates a project owned by clientID
func SeedProject(t *testing.T, db *gorm.DB, id, reference, clientID string) *entity.Project {
	t.Helper()
	project := &entity.Project{
		ID:                    id,
		Reference:             reference,
		Name:                  "Project " + reference,
		Location:              "Montréal",
		EstimatedDurationDays: 20,
		ExpectedLineCount:     3,
		ClientID:              &clientID,
	}
	if err := db.Omit("Quotes").Create(project).Error; err != nil {
		t.Fatalf("Failed to seed project: %v", err)
	}
	return project
}
