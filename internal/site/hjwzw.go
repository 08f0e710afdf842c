package site

// AdapterHJWZW reads the og:novel meta tags and table layout used by hjwzw.
const AdapterHJWZW = "hjwzw"

// HJWZWSelectors returns the hjwzw preset.
func HJWZWSelectors() Selectors {
	meta := func(prop string) Selector {
		return Selector{CSS: `meta[property="og:novel:` + prop + `"]`, Attr: "content"}
	}
	return Selectors{
		Title:          meta("book_name"),
		Writer:         meta("author"),
		BookType:       meta("category"),
		LastUpdate:     meta("update_time"),
		LastChapter:    meta("latest_chapter_name"),
		ChapterLink:    Selector{CSS: "div#tbchapterlist>table>tbody>tr>td>a", Attr: "href"},
		ChapterContent: Selector{CSS: "table>tbody>tr>td>div:nth-child(6)"},
		Remove:         []string{"請記住本站域名: 黃金屋"},
	}
}
