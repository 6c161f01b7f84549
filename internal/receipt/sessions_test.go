package receipt

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receiptjar/internal/scanning"
)

var _ = Describe("SessionStore", func() {
	var (
		db      *mockDB
		storage *mockStorage
		clock   *mockTimeSource
		store   *SessionStore
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		clock = &mockTimeSource{now: testNow}
		store = NewSessionStoreWithDeps(db, storage, clock, DefaultSessionTTL)
	})

	Describe("Put and Get", func() {
		It("should return the stored receipts", func() {
			_, err := store.Put("local_1", PendingPaymentReference, []Record{extractedRecord("r1", "TARGET", 10)})
			Expect(err).NotTo(HaveOccurred())

			bundle, err := store.Get("local_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(bundle.SessionID).To(Equal("local_1"))
			Expect(bundle.PaymentReference).To(Equal(PendingPaymentReference))
			Expect(bundle.Receipts).To(HaveLen(1))
			Expect(bundle.CreatedAt).To(Equal(testNow))
			Expect(bundle.ExpiresAt).To(Equal(testNow.Add(30 * time.Minute)))
		})

		It("should be idempotent inside the window", func() {
			_, err := store.Put("local_1", PendingPaymentReference, []Record{extractedRecord("r1", "TARGET", 10)})
			Expect(err).NotTo(HaveOccurred())

			first, err := store.Get("local_1")
			Expect(err).NotTo(HaveOccurred())
			clock.advance(5 * time.Minute)
			second, err := store.Get("local_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("should snapshot the receipts", func() {
			records := []Record{extractedRecord("r1", "TARGET", 10)}
			_, err := store.Put("local_1", PendingPaymentReference, records)
			Expect(err).NotTo(HaveOccurred())

			records[0].ExtractedData.Vendor = "CHANGED"

			bundle, err := store.Get("local_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(bundle.Receipts[0].ExtractedData.Vendor).To(Equal("TARGET"))
		})

		It("should reset the window on overwrite", func() {
			_, err := store.Put("local_1", PendingPaymentReference, nil)
			Expect(err).NotTo(HaveOccurred())
			clock.advance(20 * time.Minute)
			_, err = store.Put("local_1", PendingPaymentReference, []Record{extractedRecord("r1", "TARGET", 10)})
			Expect(err).NotTo(HaveOccurred())

			clock.advance(20 * time.Minute)
			bundle, err := store.Get("local_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(bundle.Receipts).To(HaveLen(1))
		})

		It("should reject an empty session ID", func() {
			_, err := store.Put("", PendingPaymentReference, nil)
			var verr *ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
		})

		It("should report unknown sessions as not found", func() {
			_, err := store.Get("nope")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})

		It("should pass backing store errors through", func() {
			db.saveErr = errors.New("disk full")
			_, err := store.Put("local_1", PendingPaymentReference, nil)
			Expect(err).To(MatchError(ContainSubstring("disk full")))
		})
	})

	Describe("expiry", func() {
		BeforeEach(func() {
			_, err := store.Put("local_1", PendingPaymentReference, []Record{extractedRecord("r1", "TARGET", 10)})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the bundle just before expiry", func() {
			clock.advance(30*time.Minute - time.Millisecond)
			_, err := store.Get("local_1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should treat the expiry instant as expired", func() {
			clock.advance(30 * time.Minute)
			_, err := store.Get("local_1")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})

		It("should delete the bundle once expired", func() {
			clock.advance(31 * time.Minute)
			_, err := store.Get("local_1")
			Expect(err).To(MatchError(ErrSessionNotFound))

			clock.now = testNow
			_, err = store.Get("local_1")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})
	})

	Describe("Delete", func() {
		It("should be idempotent", func() {
			_, err := store.Put("local_1", PendingPaymentReference, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Delete("local_1")).To(Succeed())
			Expect(store.Delete("local_1")).To(Succeed())
			_, err = store.Get("local_1")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})

		It("should remove uploaded originals", func() {
			storage.files["id1_a.jpg"] = []byte("a")
			record := extractedRecord("r1", "TARGET", 10)
			record.FilePath = "id1_a.jpg"
			_, err := store.Put("local_1", PendingPaymentReference, []Record{record})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Delete("local_1")).To(Succeed())
			Expect(storage.files).To(BeEmpty())
		})

		It("should forget the removed uploads", func() {
			storage.files["id1_a.jpg"] = []byte("a")
			Expect(db.RegisterUpload("r1", "id1_a.jpg", testNow)).To(Succeed())
			record := extractedRecord("r1", "TARGET", 10)
			record.FilePath = "id1_a.jpg"
			_, err := store.Put("local_1", PendingPaymentReference, []Record{record})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Delete("local_1")).To(Succeed())
			key, err := db.UploadKey("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(BeEmpty())
		})
	})

	Describe("ConfirmPayment", func() {
		It("should set the payment reference without moving the window", func() {
			_, err := store.Put("local_1", PendingPaymentReference, nil)
			Expect(err).NotTo(HaveOccurred())
			clock.advance(10 * time.Minute)

			Expect(store.ConfirmPayment("local_1", "cs_1")).To(Succeed())

			bundle, err := store.Get("local_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(bundle.PaymentReference).To(Equal("cs_1"))
			Expect(bundle.CreatedAt).To(Equal(testNow))
			Expect(bundle.ExpiresAt).To(Equal(testNow.Add(30 * time.Minute)))
		})

		It("should report missing sessions", func() {
			Expect(store.ConfirmPayment("nope", "cs_1")).To(MatchError(ErrSessionNotFound))
		})
	})

	Describe("Sweep", func() {
		BeforeEach(func() {
			live := extractedRecord("r1", "TARGET", 10)
			live.FilePath = "live.jpg"
			stale := extractedRecord("r2", "COSTCO", 20)
			stale.FilePath = "stale.jpg"
			storage.files["live.jpg"] = []byte("l")
			storage.files["stale.jpg"] = []byte("s")
			storage.files["orphan.jpg"] = []byte("o")

			_, err := store.Put("old", PendingPaymentReference, []Record{stale})
			Expect(err).NotTo(HaveOccurred())
			clock.advance(20 * time.Minute)
			_, err = store.Put("new", PendingPaymentReference, []Record{live})
			Expect(err).NotTo(HaveOccurred())
			clock.advance(15 * time.Minute)
		})

		It("should evict only expired bundles", func() {
			evicted, err := store.Sweep()
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(Equal(1))

			sessions, err := db.ListSessions()
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions).To(HaveLen(1))
			Expect(sessions[0].SessionID).To(Equal("new"))
		})

		It("should keep originals referenced by live bundles", func() {
			_, err := store.Sweep()
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.files).To(HaveLen(1))
			Expect(storage.files).To(HaveKey("live.jpg"))
		})

		It("should forget stale uploads no live bundle references", func() {
			Expect(db.RegisterUpload("r1", "live.jpg", testNow)).To(Succeed())
			Expect(db.RegisterUpload("gone", "gone.jpg", testNow)).To(Succeed())
			Expect(db.RegisterUpload("fresh", "fresh.jpg", clock.now)).To(Succeed())

			_, err := store.Sweep()
			Expect(err).NotTo(HaveOccurred())

			for id, want := range map[string]string{"r1": "live.jpg", "gone": "", "fresh": "fresh.jpg"} {
				key, err := db.UploadKey(id)
				Expect(err).NotTo(HaveOccurred())
				Expect(key).To(Equal(want), id)
			}
		})

		It("should report listing failures", func() {
			db.listErr = errors.New("boom")
			_, err := store.Sweep()
			Expect(err).To(MatchError(ContainSubstring("listing sessions")))
		})
	})

	Describe("Live", func() {
		It("should skip expired bundles", func() {
			_, err := store.Put("old", PendingPaymentReference, nil)
			Expect(err).NotTo(HaveOccurred())
			clock.advance(31 * time.Minute)
			_, err = store.Put("new", PendingPaymentReference, nil)
			Expect(err).NotTo(HaveOccurred())

			live, err := store.Live()
			Expect(err).NotTo(HaveOccurred())
			Expect(live).To(HaveLen(1))
			Expect(live[0].SessionID).To(Equal("new"))
		})
	})

	Describe("RunSweeper", func() {
		It("should stop when the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				NewSessionStoreWithDeps(NewMemoryDB(), nil, clock, DefaultSessionTTL).RunSweeper(ctx, time.Millisecond)
			}()
			cancel()
			Eventually(done).Should(BeClosed())
		})

		It("should return at once for a non-positive interval", func() {
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				store.RunSweeper(context.Background(), 0)
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	It("should default a non-positive TTL", func() {
		Expect(NewSessionStoreWithDeps(db, nil, clock, 0).TTL()).To(Equal(DefaultSessionTTL))
	})

	It("should keep stored extracted data independent of the caller", func() {
		bundle, err := store.Put("local_1", PendingPaymentReference, []Record{extractedRecord("r1", "TARGET", 10)})
		Expect(err).NotTo(HaveOccurred())
		bundle.Receipts[0].ExtractedData = &scanning.ReceiptData{Vendor: "MUTATED"}

		stored, err := store.Get("local_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Receipts[0].ExtractedData.Vendor).To(Equal("TARGET"))
	})
})
