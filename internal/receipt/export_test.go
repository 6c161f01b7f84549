package receipt

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"

	"github.com/zombor/receiptjar/internal/scanning"
)

var _ = Describe("Export", func() {
	var records []Record

	BeforeEach(func() {
		records = []Record{
			{
				ID:       "r1",
				FileName: "walmart.jpg",
				FilePath: "r1_walmart.jpg",
				ExtractedData: &scanning.ReceiptData{
					Date:     "2024-03-15",
					Vendor:   "WALMART",
					Total:    54,
					Tax:      4,
					Category: "Other",
				},
			},
			{
				ID:       "r2",
				FileName: "diner.pdf",
				ExtractedData: &scanning.ReceiptData{
					Date:     "2024-03-16",
					Vendor:   `JOE'S "BEST" DINER`,
					Total:    12.5,
					Tax:      1.005,
					Category: "Meals & Entertainment",
				},
			},
		}
	})

	Describe("WriteCSV", func() {
		var (
			out string
			err error
		)

		JustBeforeEach(func() {
			var buf bytes.Buffer
			err = WriteCSV(&buf, records)
			out = buf.String()
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should write a quoted header", func() {
			Expect(strings.Split(out, "\n")[0]).To(Equal(`"Date","Vendor","Total","Tax","Category","FileName","Notes"`))
		})

		It("should write one line per record with no trailing newline", func() {
			Expect(strings.Split(out, "\n")).To(HaveLen(len(records) + 1))
			Expect(out).NotTo(HaveSuffix("\n"))
		})

		It("should render amounts with two decimals", func() {
			Expect(strings.Split(out, "\n")[1]).To(Equal(
				`"2024-03-15","WALMART","54.00","4.00","Other","walmart.jpg","Processed by ReceiptJar"`))
		})

		It("should double embedded quotes", func() {
			Expect(strings.Split(out, "\n")[2]).To(ContainSubstring(`"JOE'S ""BEST"" DINER"`))
		})

		It("should keep seven fields per row", func() {
			for _, line := range strings.Split(out, "\n")[:2] {
				Expect(strings.Split(strings.Trim(line, `"`), `","`)).To(HaveLen(7))
			}
		})

		When("a record has no extracted data", func() {
			BeforeEach(func() {
				records = []Record{{ID: "r3"}}
			})

			It("should write defaults", func() {
				Expect(strings.Split(out, "\n")[1]).To(Equal(
					`"","","0.00","0.00","Other","receipt.jpg","Processed by ReceiptJar"`))
			})
		})

		When("there are no records", func() {
			BeforeEach(func() {
				records = nil
			})

			It("should write only the header", func() {
				Expect(out).To(Equal(`"Date","Vendor","Total","Tax","Category","FileName","Notes"`))
			})
		})
	})

	Describe("WriteXLSX", func() {
		It("should write a Receipts sheet with numeric amounts", func() {
			var buf bytes.Buffer
			Expect(WriteXLSX(&buf, records)).To(Succeed())

			f, err := excelize.OpenReader(&buf)
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			Expect(f.GetSheetList()).To(Equal([]string{"Receipts"}))

			rows, err := f.GetRows("Receipts")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(3))
			Expect(rows[0]).To(Equal([]string{"Date", "Vendor", "Total", "Tax", "Category", "FileName", "Notes"}))
			Expect(rows[1][1]).To(Equal("WALMART"))

			cellType, err := f.GetCellType("Receipts", "C2")
			Expect(err).NotTo(HaveOccurred())
			Expect(cellType).NotTo(Equal(excelize.CellTypeSharedString))

			raw, err := f.GetCellValue("Receipts", "C3", excelize.Options{RawCellValue: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(Equal("12.5"))
		})
	})

	Describe("WriteZIP", func() {
		var storage *mockStorage

		BeforeEach(func() {
			storage = newMockStorage()
			storage.files["r1_walmart.jpg"] = []byte("jpeg bytes")
		})

		It("should bundle the csv and available originals", func() {
			var buf bytes.Buffer
			Expect(WriteZIP(&buf, records, storage)).To(Succeed())

			zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
			Expect(err).NotTo(HaveOccurred())

			contents := map[string]string{}
			for _, f := range zr.File {
				rc, err := f.Open()
				Expect(err).NotTo(HaveOccurred())
				data, err := io.ReadAll(rc)
				Expect(err).NotTo(HaveOccurred())
				rc.Close()
				contents[f.Name] = string(data)
			}

			Expect(contents).To(HaveLen(2))
			Expect(contents).To(HaveKeyWithValue("receipts/walmart.jpg", "jpeg bytes"))
			Expect(contents["receipts.csv"]).To(HavePrefix(`"Date","Vendor"`))
		})

		It("should give duplicate names unique entries", func() {
			seen := map[string]bool{}
			Expect(archiveName(Record{ID: "a", FileName: "x.jpg"}, seen)).To(Equal("x.jpg"))
			Expect(archiveName(Record{ID: "b", FileName: "x.jpg"}, seen)).To(Equal("b_x.jpg"))
		})
	})
})
