package stats

// subProfessions maps signature skill ids to the specialisation they imply.
var subProfessions = map[uint64]string{
	1241: "射线",

	2307:  "协奏",
	2361:  "协奏",
	55302: "协奏",

	20301: "愈合",

	1518:  "惩戒",
	1541:  "惩戒",
	21402: "惩戒",

	2306: "狂音",

	120901: "冰矛",
	120902: "冰矛",

	1714: "居合",
	1734: "居合",

	44701:  "月刃",
	179906: "月刃",

	220112:  "鹰弓",
	2203622: "鹰弓",

	2292:    "狼弓",
	1700820: "狼弓",
	1700825: "狼弓",
	1700827: "狼弓",

	1419: "空枪",

	1405: "重装",
	1418: "重装",

	2405: "防盾",

	2406: "光盾",

	199902: "岩盾",

	1930: "格挡",
	1931: "格挡",
	1934: "格挡",
	1935: "格挡",
}

// SubProfession returns the specialisation implied by a skill id.
func SubProfession(skillID uint64) (string, bool) {
	s, ok := subProfessions[skillID]
	return s, ok
}
