package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// mockVerifier is a mock implementation of PurchaseVerifier
type mockVerifier struct {
	receipts []Receipt
	err      error
	got      []byte
}

func (m *mockVerifier) VerifyPurchase(ctx context.Context, data []byte) ([]Receipt, error) {
	m.got = data
	if m.err != nil {
		return nil, m.err
	}
	return m.receipts, nil
}

var _ = Describe("Server", func() {
	var (
		backend     *mockBackend
		store       *Store
		verifier    PurchaseVerifier
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		store = NewStore(backend, nil)
		server = NewServerWithMux(store, verifier, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	postJSON := func(path string, body string) *http.Response {
		resp, err := http.Post(ghttpServer.URL()+path, "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	BeforeEach(func() {
		backend = newMockBackend()
		verifier = nil
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("handleListReceipts", func() {
		When("receipts exist", func() {
			BeforeEach(func() {
				backend.put(StoreKey, testReceipt("t1"), testReceipt("t2"))
			})

			It("should return all receipts", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var receipts []Receipt
				decode(resp, &receipts)
				Expect(transactionIDs(receipts)).To(Equal([]string{"t1", "t2"}))
			})
		})

		When("no receipts exist", func() {
			It("should return an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
				Expect(err).NotTo(HaveOccurred())
				var receipts []Receipt
				decode(resp, &receipts)
				Expect(receipts).NotTo(BeNil())
				Expect(receipts).To(BeEmpty())
			})
		})
	})

	Describe("handleAddReceipts", func() {
		When("the body is valid", func() {
			It("should store the receipts as pending", func() {
				resp := postJSON("/api/receipts", `[
					{"transaction_id": "t1", "product_id": "p1", "receipt_data": "c2lnbmVk", "purchase_date": "2024-01-15T00:00:00Z"},
					{"transaction_id": "t2", "product_id": "p1", "consumed": true}
				]`)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var result map[string]int
				decode(resp, &result)
				Expect(result["added"]).To(Equal(2))

				pending := store.NotUploadedYet()
				Expect(transactionIDs(pending)).To(Equal([]string{"t1"}))
				Expect(pending[0].Data).To(Equal([]byte("signed")))
				Expect(pending[0].OriginalTransactionID).To(Equal("t1"))
			})
		})

		When("a receipt is already stored", func() {
			BeforeEach(func() {
				backend.put(StoreKey, testReceipt("t1"))
			})

			It("should not add it again", func() {
				resp := postJSON("/api/receipts", `[{"transaction_id": "t1"}]`)
				var result map[string]int
				decode(resp, &result)
				Expect(result["added"]).To(Equal(0))
				Expect(store.All()).To(HaveLen(1))
			})
		})

		When("a transaction id is missing", func() {
			It("should return status Bad Request", func() {
				resp := postJSON("/api/receipts", `[{"product_id": "p1"}]`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(store.All()).To(BeEmpty())
			})
		})

		When("the body is not JSON", func() {
			It("should return status Bad Request", func() {
				resp := postJSON("/api/receipts", `nope`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("persisting fails", func() {
			BeforeEach(func() {
				backend.saveErr = errors.New("disk full")
			})

			It("should return status Internal Server Error", func() {
				resp := postJSON("/api/receipts", `[{"transaction_id": "t1"}]`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("handlePendingReceipts", func() {
		BeforeEach(func() {
			backend.put(StoreKey,
				testReceipt("t1"),
				NewRestoredReceipt("t2", "t2", "p1", nil, date(2024, 1, 1)),
			)
		})

		It("should return only pending receipts", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts/pending")
			Expect(err).NotTo(HaveOccurred())
			var receipts []Receipt
			decode(resp, &receipts)
			Expect(transactionIDs(receipts)).To(Equal([]string{"t1"}))
		})
	})

	Describe("handleMarkConsumed", func() {
		BeforeEach(func() {
			backend.put(StoreKey, testReceipt("t1"), testReceipt("t2"))
		})

		It("should return the marked receipts", func() {
			resp := postJSON("/api/receipts/consumed", `{"transaction_ids": ["t2"]}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var marked []Receipt
			decode(resp, &marked)
			Expect(transactionIDs(marked)).To(Equal([]string{"t2"}))
			Expect(marked[0].Consumed).To(BeTrue())
			Expect(transactionIDs(store.NotUploadedYet())).To(Equal([]string{"t1"}))
		})
	})

	Describe("handleRemoveReceipts", func() {
		BeforeEach(func() {
			backend.put(StoreKey,
				renewal("old", date(2020, 1, 1)),
				testReceipt("undated"),
			)
		})

		remove := func(query string) *http.Response {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/receipts"+query, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		When("purchased_before is given", func() {
			It("should prune old receipts", func() {
				resp := remove("?purchased_before=2021-01-01T00:00:00Z")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(transactionIDs(store.All())).To(Equal([]string{"undated"}))
			})
		})

		When("all=true is given", func() {
			It("should remove every receipt", func() {
				resp := remove("?all=true")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(store.All()).To(BeEmpty())
			})
		})

		When("the cutoff is malformed", func() {
			It("should return status Bad Request", func() {
				resp := remove("?purchased_before=yesterday")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(store.All()).To(HaveLen(2))
			})
		})

		When("no parameter is given", func() {
			It("should return status Bad Request", func() {
				resp := remove("")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(store.All()).To(HaveLen(2))
			})
		})
	})

	Describe("handleCopyToCloud", func() {
		BeforeEach(func() {
			backend.put(StoreKey, testReceipt("t1"))
		})

		It("should report the copy result", func() {
			resp := postJSON("/api/receipts/cloud", ``)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result CloudCopyResult
			decode(resp, &result)
			Expect(result).To(Equal(CloudCopyResult{Added: 1, Synced: false}))
			Expect(backend.data).To(HaveKey(CloudMirrorKey))
		})
	})

	Describe("handleVerifyPurchase", func() {
		When("no verifier is configured", func() {
			It("should return status Not Implemented", func() {
				resp := postJSON("/api/purchases/apple", `{"receipt": "c2lnbmVk"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotImplemented))
			})
		})

		When("a verifier is configured", func() {
			var mock *mockVerifier

			BeforeEach(func() {
				mock = &mockVerifier{receipts: []Receipt{testReceipt("t1"), testReceipt("t2")}}
				verifier = mock
			})

			It("should store the verified receipts", func() {
				resp := postJSON("/api/purchases/apple", `{"receipt": "`+base64.StdEncoding.EncodeToString([]byte("signed"))+`"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var result struct {
					Added int `json:"added"`
				}
				decode(resp, &result)
				Expect(result.Added).To(Equal(2))
				Expect(mock.got).To(Equal([]byte("signed")))
				Expect(transactionIDs(store.NotUploadedYet())).To(Equal([]string{"t1", "t2"}))
			})

			It("should reject a receipt that is not base64", func() {
				resp := postJSON("/api/purchases/apple", `{"receipt": "%%%"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			When("verification fails", func() {
				BeforeEach(func() {
					mock.err = errors.New("verifying receipt: dial tcp 17.0.0.1:443: connection refused")
				})

				It("should return status Unprocessable Entity", func() {
					resp := postJSON("/api/purchases/apple", `{"receipt": "c2lnbmVk"}`)
					Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

					var result map[string]string
					decode(resp, &result)
					Expect(result["error"]).To(Equal("Receipt could not be verified"))
					Expect(result["error"]).NotTo(ContainSubstring("dial tcp"))
					Expect(store.All()).To(BeEmpty())
				})
			})
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		When("credentials are missing", func() {
			It("should return status Unauthorized", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			})
		})

		When("credentials are valid", func() {
			It("should return status OK", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
				Expect(err).NotTo(HaveOccurred())
				req.SetBasicAuth("admin", "secret")
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("Handler", func() {
		It("should answer preflight requests with CORS headers", func() {
			ghttpServer.Close()
			ghttpServer = ghttp.NewServer()
			ghttpServer.AppendHandlers(server.Handler().ServeHTTP)

			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})
})
